// Package intake validates and normalizes inbound envelopes before they
// reach the dispatcher. Invalid payloads never touch the backend.
package intake

import (
	server "cardroom/server"
	"cardroom/server/internal/backend"
	"cardroom/server/internal/net/proto"
)

// Request is a schema-validated inbound message.
type Request struct {
	Kind         string
	TableID      string
	TournamentID string
	PlayerID     string
	PlayerName   string
	Seat         int
	BuyIn        int64
	Action       backend.CommandKind
	Amount       int64
	Text         string
	SentAt       int64
}

var actionKinds = map[string]backend.CommandKind{
	"fold":  backend.CommandFold,
	"check": backend.CommandCheck,
	"call":  backend.CommandCall,
	"bet":   backend.CommandBet,
	"raise": backend.CommandRaise,
	"allin": backend.CommandAllIn,
}

// Normalize checks required fields, types, and ranges for one message and
// returns the validated request, or false plus a reject reason.
func Normalize(msg proto.ClientMessage) (Request, bool, string) {
	var zero Request
	req := Request{
		Kind:         msg.Type,
		TableID:      msg.TableID,
		TournamentID: msg.TournamentID,
		PlayerID:     msg.PlayerID,
		PlayerName:   msg.PlayerName,
		Text:         msg.Text,
		SentAt:       msg.SentAt,
	}

	switch msg.Type {
	case proto.TypeJoinTable:
		if msg.TableID == "" || msg.PlayerID == "" || msg.PlayerName == "" {
			return zero, false, server.RejectMissingField
		}
		if msg.SeatNumber == nil {
			return zero, false, server.RejectMissingField
		}
		if *msg.SeatNumber < 0 || *msg.SeatNumber >= server.MaxSeats {
			return zero, false, server.RejectInvalidSeat
		}
		if msg.BuyIn == nil || *msg.BuyIn <= 0 {
			return zero, false, server.RejectInvalidAmount
		}
		req.Seat = *msg.SeatNumber
		req.BuyIn = *msg.BuyIn

	case proto.TypeAction:
		if msg.TableID == "" || msg.PlayerID == "" {
			return zero, false, server.RejectMissingField
		}
		kind, ok := actionKinds[msg.ActionType]
		if !ok {
			return zero, false, server.RejectInvalidAction
		}
		req.Action = kind
		if kind == backend.CommandBet || kind == backend.CommandRaise {
			if msg.Amount == nil {
				return zero, false, server.RejectMissingField
			}
		}
		if msg.Amount != nil {
			if *msg.Amount < 0 {
				return zero, false, server.RejectInvalidAmount
			}
			req.Amount = *msg.Amount
		}

	case proto.TypeLeaveTable, proto.TypeSitOut, proto.TypeSitIn:
		if msg.TableID == "" || msg.PlayerID == "" {
			return zero, false, server.RejectMissingField
		}

	case proto.TypeSubscribe, proto.TypeGetState:
		if msg.TableID == "" {
			return zero, false, server.RejectMissingField
		}

	case proto.TypeTournamentSubscribe:
		if msg.TournamentID == "" {
			return zero, false, server.RejectMissingField
		}

	case proto.TypeTournamentStart, proto.TypeTournamentPause, proto.TypeTournamentResume:
		if msg.TournamentID == "" {
			return zero, false, server.RejectMissingField
		}

	case proto.TypeTournamentRebuy, proto.TypeTournamentAddon:
		if msg.TournamentID == "" || msg.PlayerID == "" {
			return zero, false, server.RejectMissingField
		}

	case proto.TypeChat:
		if msg.TableID == "" && msg.TournamentID == "" {
			return zero, false, server.RejectMissingField
		}
		if msg.Text == "" {
			return zero, false, server.RejectMissingField
		}
		if len(msg.Text) > server.MaxChatLength {
			return zero, false, server.RejectTextTooLong
		}

	case proto.TypeHeartbeat:
		// No required fields beyond the type.

	default:
		return zero, false, server.RejectUnknownType
	}

	return req, true, ""
}

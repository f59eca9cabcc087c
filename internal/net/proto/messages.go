// Package proto defines the bidirectional JSON envelope: one object per
// message, discriminated by the type field. The structs carry jsonschema
// tags so the schema subcommand can emit a machine-readable contract.
package proto

import (
	server "cardroom/server"
	"cardroom/server/internal/load"
)

const ProtocolVersion = 1

// Inbound message types.
const (
	TypeJoinTable           = "join_table"
	TypeAction              = "action"
	TypeLeaveTable          = "leave_table"
	TypeSitOut              = "sit_out"
	TypeSitIn               = "sit_in"
	TypeSubscribe           = "subscribe"
	TypeGetState            = "get_state"
	TypeTournamentSubscribe = "tournament_subscribe"
	TypeTournamentStart     = "tournament_start"
	TypeTournamentPause     = "tournament_pause"
	TypeTournamentResume    = "tournament_resume"
	TypeTournamentRebuy     = "tournament_rebuy"
	TypeTournamentAddon     = "tournament_addon"
	TypeChat                = "chat"
	TypeHeartbeat           = "heartbeat"
)

// Outbound message types.
const (
	TypeConnected              = "connected"
	TypeState                  = "state"
	TypeJoinedTable            = "joined_table"
	TypeActionAccepted         = "action_accepted"
	TypeError                  = "error"
	TypeServerStatus           = "server_status"
	TypeTournamentUpdate       = "tournament_update"
	TypeTournamentTimer        = "tournament_timer"
	TypeTournamentElimination  = "tournament_elimination"
	TypeChatBroadcast          = "chat"
	TypeChatDisabled           = "chat_disabled"
	TypeHeartbeatAck           = "heartbeat"
)

// ClientMessage is the inbound envelope. Optional numeric fields are
// pointers so intake can distinguish absent from zero.
type ClientMessage struct {
	Ver          int    `json:"ver,omitempty" jsonschema:"description=Protocol version"`
	Type         string `json:"type" jsonschema:"required,description=Message discriminator"`
	TableID      string `json:"tableId,omitempty" jsonschema:"description=Target table"`
	TournamentID string `json:"tournamentId,omitempty" jsonschema:"description=Target tournament"`
	PlayerID     string `json:"playerId,omitempty" jsonschema:"description=Acting player identity"`
	PlayerName   string `json:"playerName,omitempty" jsonschema:"description=Display name supplied on join"`
	SeatNumber   *int   `json:"seatNumber,omitempty" jsonschema:"description=Requested seat,minimum=0"`
	BuyIn        *int64 `json:"buyIn,omitempty" jsonschema:"description=Chips brought to the table,minimum=1"`
	ActionType   string `json:"actionType,omitempty" jsonschema:"description=fold|check|call|bet|raise|allin"`
	Amount       *int64 `json:"amount,omitempty" jsonschema:"description=Bet or raise size,minimum=0"`
	Text         string `json:"text,omitempty" jsonschema:"description=Chat text"`
	SentAt       int64  `json:"sentAt,omitempty" jsonschema:"description=Client clock at send time (unix millis)"`
}

type ConnectedMessage struct {
	Type       string `json:"type"`
	ConnID     string `json:"connId"`
	ServerTime int64  `json:"serverTime"`
}

type StateMessage struct {
	Type       string            `json:"type"`
	Table      server.TableState `json:"table"`
	ServerTime int64             `json:"serverTime"`
}

type JoinedTableMessage struct {
	Type       string `json:"type"`
	TableID    string `json:"tableId"`
	SeatNumber int    `json:"seatNumber"`
	ServerTime int64  `json:"serverTime"`
}

type ActionAcceptedMessage struct {
	Type       string `json:"type"`
	TableID    string `json:"tableId"`
	ActionType string `json:"actionType"`
	Amount     int64  `json:"amount,omitempty"`
	ServerTime int64  `json:"serverTime"`
}

type ErrorMessage struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

type ServerStatusMessage struct {
	Type      string            `json:"type"`
	LoadLevel string            `json:"loadLevel"`
	Features  load.FeatureFlags `json:"features"`
	Timestamp int64             `json:"timestamp"`
}

type TournamentUpdateMessage struct {
	Type       string                 `json:"type"`
	Tournament server.TournamentState `json:"tournament"`
	ServerTime int64                  `json:"serverTime"`
}

type TournamentTimerMessage struct {
	Type            string `json:"type"`
	TournamentID    string `json:"tournamentId"`
	Level           int    `json:"level"`
	SmallBlind      int64  `json:"smallBlind"`
	BigBlind        int64  `json:"bigBlind"`
	Ante            int64  `json:"ante"`
	IsBreak         bool   `json:"isBreak"`
	RemainingMillis int64  `json:"remainingMillis"`
	ServerTime      int64  `json:"serverTime"`
}

type TournamentEliminationMessage struct {
	Type         string `json:"type"`
	TournamentID string `json:"tournamentId"`
	PlayerID     string `json:"playerId"`
	Place        int    `json:"place"`
	ServerTime   int64  `json:"serverTime"`
}

type ChatBroadcastMessage struct {
	Type         string `json:"type"`
	TableID      string `json:"tableId,omitempty"`
	TournamentID string `json:"tournamentId,omitempty"`
	PlayerID     string `json:"playerId,omitempty"`
	Text         string `json:"text"`
	ServerTime   int64  `json:"serverTime"`
}

type ChatDisabledMessage struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

type HeartbeatMessage struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime,omitempty"`
}

package backend

import (
	"context"
	"errors"
	"fmt"

	server "cardroom/server"
)

// Store is the durable data store holding tables, players, and tournament
// records. It is an external collaborator; the coordination layer only
// consults and mutates it through this interface.
type Store interface {
	LoadTable(ctx context.Context, tableID string) (server.TableState, error)
	SaveTable(ctx context.Context, state server.TableState) error
	ListTournaments(ctx context.Context) ([]server.TournamentState, error)
	SaveTournament(ctx context.Context, state server.TournamentState) error

	// Watch returns a channel that receives one signal per write touching
	// the table, plus a cancel func. Signals carry no payload; observers
	// pull a fresh projection on their own schedule.
	Watch(tableID string) (<-chan struct{}, func())
}

// StartResult is the three-way authoritative outcome of a round-start
// request. The rules engine serializes starts per table, so concurrent
// observers asking for the same idle table get exactly one Started.
type StartResult int

const (
	StartResultStarted StartResult = iota
	StartResultInProgress
	StartResultNotEnoughPlayers
)

func (r StartResult) String() string {
	switch r {
	case StartResultStarted:
		return "started"
	case StartResultInProgress:
		return "in_progress"
	case StartResultNotEnoughPlayers:
		return "not_enough_players"
	default:
		return "unknown"
	}
}

// CommandKind enumerates the mutations forwarded to the rules engine.
type CommandKind string

const (
	CommandJoin   CommandKind = "join"
	CommandLeave  CommandKind = "leave"
	CommandSitOut CommandKind = "sit_out"
	CommandSitIn  CommandKind = "sit_in"
	CommandFold   CommandKind = "fold"
	CommandCheck  CommandKind = "check"
	CommandCall   CommandKind = "call"
	CommandBet    CommandKind = "bet"
	CommandRaise  CommandKind = "raise"
	CommandAllIn  CommandKind = "allin"
)

// Command is one mutation request against a table.
type Command struct {
	Kind       CommandKind
	TableID    string
	PlayerID   string
	PlayerName string
	Seat       int
	BuyIn      int64
	Amount     int64
}

// Rules is the authoritative rules engine, invoked as an opaque remote
// procedure. It validates actions and computes resulting persisted state.
type Rules interface {
	StartRound(ctx context.Context, tableID string) (StartResult, server.TableState, error)
	Apply(ctx context.Context, cmd Command) (server.TableState, error)
}

// ErrTableNotFound marks a lookup for a table the store has no record
// of. It is an authoritative domain answer, not a backend fault.
var ErrTableNotFound = errors.New("table not found")

// RuleError is a domain-rule rejection: the engine declined the action.
// It is surfaced verbatim to the requester and never broadcast.
type RuleError struct {
	Code   string
	Reason string
}

func (e *RuleError) Error() string {
	if e.Reason == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// AsRuleError unwraps a domain rejection from an error chain.
func AsRuleError(err error) (*RuleError, bool) {
	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		return ruleErr, true
	}
	return nil, false
}

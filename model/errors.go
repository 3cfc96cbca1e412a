package model

import "errors"

// Request-scoped errors. They never change session state and are reported
// only to the connection that caused them.
var (
	ErrNotYourTurn       = errors.New("not your turn")
	ErrIllegalMove       = errors.New("illegal move")
	ErrGameNotInProgress = errors.New("game not in progress")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionFinished   = errors.New("session finished")
	ErrSlotOccupied      = errors.New("slot occupied")
	ErrNotParticipant    = errors.New("connection is not a participant in this session")
	ErrInvalidToken      = errors.New("invalid reconnect token")
	ErrUnknownGameType   = errors.New("unknown game type")
	ErrInvalidSlotCount  = errors.New("invalid slot count")
	ErrNoDrawOffer       = errors.New("no draw offer to answer")
	ErrAmbiguousGame     = errors.New("game id required: connection is in zero or several active games")
	ErrBadRequest        = errors.New("bad request")
	ErrMessageTooLarge   = errors.New("message too large")
	ErrServerBusy        = errors.New("server busy")
	ErrObserversDisabled = errors.New("observers are not allowed")
)

// ErrSessionCorrupted is returned when an internal invariant of a session
// was violated. The session is evicted.
var ErrSessionCorrupted = errors.New("session corrupted")

// ErrSnapshotNotFound is returned by snapshot stores for unknown ids.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrorCode is the stable wire name of an error.
type ErrorCode string

const (
	CodeNotYourTurn       ErrorCode = "NotYourTurn"
	CodeIllegalMove       ErrorCode = "IllegalMove"
	CodeGameNotInProgress ErrorCode = "GameNotInProgress"
	CodeSessionNotFound   ErrorCode = "SessionNotFound"
	CodeSessionFinished   ErrorCode = "SessionFinished"
	CodeSlotOccupied      ErrorCode = "SlotOccupied"
	CodeNotParticipant    ErrorCode = "NotParticipant"
	CodeInvalidToken      ErrorCode = "InvalidToken"
	CodeUnknownGameType   ErrorCode = "UnknownGameType"
	CodeInvalidSlotCount  ErrorCode = "InvalidSlotCount"
	CodeNoDrawOffer       ErrorCode = "NoDrawOffer"
	CodeAmbiguousGame     ErrorCode = "AmbiguousGame"
	CodeBadRequest        ErrorCode = "BadRequest"
	CodeMessageTooLarge   ErrorCode = "MessageTooLarge"
	CodeServerBusy        ErrorCode = "ServerBusy"
	CodeObserversDisabled ErrorCode = "ObserversDisabled"
	CodeInternalError     ErrorCode = "InternalError"
)

var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrNotYourTurn, CodeNotYourTurn},
	{ErrIllegalMove, CodeIllegalMove},
	{ErrGameNotInProgress, CodeGameNotInProgress},
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrSessionFinished, CodeSessionFinished},
	{ErrSlotOccupied, CodeSlotOccupied},
	{ErrNotParticipant, CodeNotParticipant},
	{ErrInvalidToken, CodeInvalidToken},
	{ErrUnknownGameType, CodeUnknownGameType},
	{ErrInvalidSlotCount, CodeInvalidSlotCount},
	{ErrNoDrawOffer, CodeNoDrawOffer},
	{ErrAmbiguousGame, CodeAmbiguousGame},
	{ErrBadRequest, CodeBadRequest},
	{ErrMessageTooLarge, CodeMessageTooLarge},
	{ErrServerBusy, CodeServerBusy},
	{ErrObserversDisabled, CodeObserversDisabled},
}

// CodeOf maps err to its wire code. Errors outside the taxonomy map to
// CodeInternalError.
func CodeOf(err error) ErrorCode {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}

	return CodeInternalError
}

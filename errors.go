/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned to a client wraps exactly one of these.
var (
	ErrValidation = errors.New("validation error")
	ErrState      = errors.New("state error")
	ErrTransport  = errors.New("transport error")
)

var (
	ErrEmptyName        = fmt.Errorf("%w: player name must not be empty", ErrValidation)
	ErrMalformedMessage = fmt.Errorf("%w: malformed message", ErrValidation)
	ErrUnknownMessage   = fmt.Errorf("%w: unknown message type", ErrValidation)
	ErrEmptyChat        = fmt.Errorf("%w: chat message must not be empty", ErrValidation)
	ErrInvalidSessionID = fmt.Errorf("%w: invalid session id", ErrValidation)

	ErrDuplicatePlayer  = fmt.Errorf("%w: player is already a member of this session", ErrState)
	ErrSessionFull      = fmt.Errorf("%w: session is full", ErrState)
	ErrInvalidChoice    = fmt.Errorf("%w: choice index out of range", ErrState)
	ErrVotingInactive   = fmt.Errorf("%w: no vote in progress", ErrState)
	ErrUnknownSession   = fmt.Errorf("%w: unknown session", ErrState)
	ErrSessionExists    = fmt.Errorf("%w: session id already in use", ErrState)
	ErrSessionEnded     = fmt.Errorf("%w: session has ended", ErrState)
	ErrNotRegistered    = fmt.Errorf("%w: register before sending session commands", ErrState)
	ErrPlayerExists     = fmt.Errorf("%w: player id already registered", ErrState)
	ErrAlreadyInSession = fmt.Errorf("%w: player is already in a session", ErrState)
	ErrNotInSession     = fmt.Errorf("%w: player is not in a session", ErrState)
	ErrUnauthorized     = fmt.Errorf("%w: player is not a member of this session", ErrState)
	ErrNotHost          = fmt.Errorf("%w: only the host may do that", ErrState)
	ErrInvalidState     = fmt.Errorf("%w: not allowed in the current session state", ErrState)
	ErrNoChoices        = fmt.Errorf("%w: current page has no choices", ErrState)
	ErrUnknownStory     = fmt.Errorf("%w: unknown story", ErrState)
	ErrUnknownPage      = fmt.Errorf("%w: unknown page", ErrState)
	ErrWrongPolicy      = fmt.Errorf("%w: not allowed under the configured vote policy", ErrState)

	ErrConnClosed     = fmt.Errorf("%w: connection closed", ErrTransport)
	ErrSendBufferFull = fmt.Errorf("%w: send buffer full", ErrTransport)
)

// errorKind names the class of err for the error payload sent to clients.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}

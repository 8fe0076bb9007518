// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"fmt"
	"time"
)

// ExchangeState is the phase of the key exchange bootstrap.
type ExchangeState int

const (
	// ExchangeUninitialized: nothing has needed a key yet.
	ExchangeUninitialized ExchangeState = iota
	// ExchangeFetchingClusterInfo: waiting for the identity and KMS
	// cluster lookups.
	ExchangeFetchingClusterInfo
	// ExchangeFetchingEphemeralKey: the handshake is posted and the
	// timeout is armed.
	ExchangeFetchingEphemeralKey
	// ExchangeReady: key requests can be sent.
	ExchangeReady
	// ExchangeFailed: the last bootstrap failed. The next need
	// retries from the start.
	ExchangeFailed
)

func (s ExchangeState) String() string {
	switch s {
	case ExchangeUninitialized:
		return "uninitialized"
	case ExchangeFetchingClusterInfo:
		return "fetching_cluster_info"
	case ExchangeFetchingEphemeralKey:
		return "fetching_ephemeral_key"
	case ExchangeReady:
		return "ready"
	case ExchangeFailed:
		return "failed"
	default:
		return fmt.Sprintf("ExchangeState(%d)", int(s))
	}
}

// exchangeState is the phase plus the bootstrap attempt it belongs to.
// Events from an earlier attempt are ignored.
type exchangeState struct {
	phase   ExchangeState
	attempt int
}

type clientInfo struct {
	userID    string
	cluster   string
	publicKey string
}

// exchangeEvent is an input to transition.
type exchangeEvent interface {
	isExchangeEvent()
}

type eventBootstrap struct{}

type eventClientInfo struct {
	attempt int
	info    clientInfo
}

type eventClientInfoFailed struct {
	attempt int
	err     error
}

type eventEphemeralKey struct {
	attempt int
	key     *ephemeralKey
}

type eventHandshakeFailed struct {
	attempt int
	err     error
}

type eventTimeout struct {
	attempt int
	after   time.Duration
}

func (eventBootstrap) isExchangeEvent()        {}
func (eventClientInfo) isExchangeEvent()       {}
func (eventClientInfoFailed) isExchangeEvent() {}
func (eventEphemeralKey) isExchangeEvent()     {}
func (eventHandshakeFailed) isExchangeEvent()  {}
func (eventTimeout) isExchangeEvent()          {}

// exchangeEffect is an output of transition, carried out by the
// session after the state is committed.
type exchangeEffect interface {
	isExchangeEffect()
}

type effectFetchClientInfo struct{ attempt int }

type effectSendHandshake struct {
	attempt int
	info    clientInfo
}

type effectArmTimer struct{ attempt int }

type effectCancelTimer struct{}

type effectInstallEphemeral struct{ key *ephemeralKey }

// effectDiscardEphemeral releases a key that arrived for a stale
// attempt.
type effectDiscardEphemeral struct{ key *ephemeralKey }

type effectAbandonHandshake struct{}

// effectForgetClientInfo drops cached client info, which may hold a
// rotated KMS key.
type effectForgetClientInfo struct{}

type effectFailQueued struct{ err error }

type effectResume struct{}

func (effectFetchClientInfo) isExchangeEffect()  {}
func (effectSendHandshake) isExchangeEffect()    {}
func (effectArmTimer) isExchangeEffect()         {}
func (effectCancelTimer) isExchangeEffect()      {}
func (effectInstallEphemeral) isExchangeEffect() {}
func (effectDiscardEphemeral) isExchangeEffect() {}
func (effectAbandonHandshake) isExchangeEffect() {}
func (effectForgetClientInfo) isExchangeEffect() {}
func (effectFailQueued) isExchangeEffect()       {}
func (effectResume) isExchangeEffect()           {}

// transition is the whole bootstrap state machine. It is pure: all I/O
// is described by the returned effects.
func transition(state exchangeState, event exchangeEvent) (exchangeState, []exchangeEffect) {
	current := func(attempt int, phase ExchangeState) bool {
		return state.phase == phase && state.attempt == attempt
	}

	switch event := event.(type) {
	case eventBootstrap:
		if state.phase == ExchangeUninitialized || state.phase == ExchangeFailed {
			next := exchangeState{phase: ExchangeFetchingClusterInfo, attempt: state.attempt + 1}
			return next, []exchangeEffect{effectFetchClientInfo{attempt: next.attempt}}
		}

	case eventClientInfo:
		if current(event.attempt, ExchangeFetchingClusterInfo) {
			next := exchangeState{phase: ExchangeFetchingEphemeralKey, attempt: state.attempt}
			return next, []exchangeEffect{
				effectArmTimer{attempt: state.attempt},
				effectSendHandshake{attempt: state.attempt, info: event.info},
			}
		}

	case eventClientInfoFailed:
		if current(event.attempt, ExchangeFetchingClusterInfo) {
			next := exchangeState{phase: ExchangeFailed, attempt: state.attempt}
			return next, []exchangeEffect{effectFailQueued{err: event.err}}
		}

	case eventEphemeralKey:
		if current(event.attempt, ExchangeFetchingEphemeralKey) {
			next := exchangeState{phase: ExchangeReady, attempt: state.attempt}
			return next, []exchangeEffect{
				effectCancelTimer{},
				effectInstallEphemeral{key: event.key},
				effectResume{},
			}
		}
		return state, []exchangeEffect{effectDiscardEphemeral{key: event.key}}

	case eventHandshakeFailed:
		if current(event.attempt, ExchangeFetchingEphemeralKey) {
			next := exchangeState{phase: ExchangeFailed, attempt: state.attempt}
			return next, []exchangeEffect{
				effectCancelTimer{},
				effectAbandonHandshake{},
				effectForgetClientInfo{},
				effectFailQueued{err: event.err},
			}
		}

	case eventTimeout:
		if current(event.attempt, ExchangeFetchingEphemeralKey) {
			next := exchangeState{phase: ExchangeFailed, attempt: state.attempt}
			return next, []exchangeEffect{
				effectAbandonHandshake{},
				effectForgetClientInfo{},
				effectFailQueued{err: &Error{
					Kind: EphemeralKeyFetchFailed,
					Err:  fmt.Errorf("no ephemeral key after %s", event.after),
				}},
			}
		}
	}
	return state, nil
}

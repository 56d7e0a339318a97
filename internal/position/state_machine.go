package position

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid position transition")

// TransitionError reports a rejected transition. The record is left untouched.
type TransitionError struct {
	Key    Key
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: %s -> %s", e.Key, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

var transitions = map[Status]map[Status]struct{}{
	StatusOpen: {
		StatusRedeeming: {},
		StatusResetting: {},
	},
	StatusRedeeming: {
		StatusResetting: {},
		StatusClosed:    {},
	},
	StatusResetting: {
		StatusOpen:   {},
		StatusClosed: {},
	},
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Transition moves p to the next status. It validates the transition table
// and the earn-subscription guards, then applies the side effects of the
// target state. Callers must persist p before proceeding.
func Transition(p *Position, to Status, now time.Time) error {
	if p == nil {
		return fmt.Errorf("nil position: %w", ErrInvalidTransition)
	}
	if err := checkTransition(p, to); err != nil {
		return err
	}
	now = now.UTC()
	switch to {
	case StatusOpen:
		// Resetting -> Open is the only way back to Open.
		p.ResetsCount++
	case StatusClosed:
		p.CloseTimestamp = &now
		if p.SpotEarningStatus == EarningSubscribed {
			p.SpotEarningStatus = EarningRedeemed
		}
	}
	p.Status = to
	p.LastUpdateTimestamp = now
	return nil
}

func checkTransition(p *Position, to Status) error {
	reject := func(reason string) error {
		return &TransitionError{Key: p.Key(), From: p.Status, To: to, Reason: reason}
	}
	if !CanTransition(p.Status, to) {
		return reject("")
	}
	subscribed := p.SpotEarningStatus == EarningSubscribed
	switch {
	case p.Status == StatusOpen && to == StatusRedeeming && !subscribed:
		return reject("no earn subscription to redeem")
	case p.Status == StatusOpen && to == StatusResetting && subscribed:
		return reject("earn subscription must be redeemed first")
	case p.Status == StatusRedeeming && subscribed:
		return reject("redemption not confirmed")
	}
	return nil
}

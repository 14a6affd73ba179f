// Package auction holds the server-authoritative auction document and the
// client-side state machine that applies incoming snapshots.
package auction

import (
	"time"

	"github.com/opentender/livebid/internal/money"
)

// Kind selects how bids are compared.
type Kind string

const (
	// KindDefault compares raw amounts.
	KindDefault Kind = "default"
	// KindMeat compares feature amounts scaled by a per-bidder coefficient.
	KindMeat Kind = "meat"
)

// StageType identifies a scheduled phase of the auction.
type StageType string

const (
	StagePause           StageType = "pause"
	StageBids            StageType = "bids"
	StagePreAnnouncement StageType = "pre_announcement"
	StageAnnouncement    StageType = "announcement"
)

// Stage is one scheduled phase. Bid stages carry the bidder and amount;
// initial-bid seed records reuse the same shape.
type Stage struct {
	Type           StageType       `json:"type"`
	Start          time.Time       `json:"start,omitempty"`
	End            time.Time       `json:"end,omitempty"`
	BidderID       string          `json:"bidder_id,omitempty"`
	Amount         *money.Rational `json:"amount,omitempty"`
	AmountFeatures *money.Rational `json:"amount_features,omitempty"`
	Time           *time.Time      `json:"time,omitempty"`
}

// BidValue returns the amount relevant for the given auction kind, or nil
// if the record does not carry it.
func (s *Stage) BidValue(kind Kind) *money.Rational {
	if kind == KindMeat {
		return s.AmountFeatures
	}
	return s.Amount
}

// MinimalStep is the amount by which the next bid must beat the previous one.
type MinimalStep struct {
	Amount money.Rational `json:"amount"`
}

// StageNotStarted is the current_stage value before the auction begins.
const StageNotStarted = -1

// Document is the auction snapshot. It is replaced wholesale on every
// valid update and never mutated field by field.
type Document struct {
	ID                    string      `json:"_id"`
	Modified              string      `json:"modified"`
	CurrentStage          int         `json:"current_stage"`
	Stages                []Stage     `json:"stages"`
	InitialBids           []Stage     `json:"initial_bids"`
	AuctionType           Kind        `json:"auction_type,omitempty"`
	MinimalStep           MinimalStep `json:"minimalStep"`
	ProcurementMethodType string      `json:"procurementMethodType,omitempty"`
}

// Kind normalizes the auction type; documents without one are default.
func (d *Document) Kind() Kind {
	if d.AuctionType == KindMeat {
		return KindMeat
	}
	return KindDefault
}

// Stage returns the stage at index i, or nil when out of range.
func (d *Document) Stage(i int) *Stage {
	if i < 0 || i >= len(d.Stages) {
		return nil
	}
	return &d.Stages[i]
}

// Current returns the active stage object, nil before the auction starts.
func (d *Document) Current() *Stage {
	return d.Stage(d.CurrentStage)
}

// Ended reports whether the document sits on its terminal stage.
func (d *Document) Ended() bool {
	return len(d.Stages) > 0 && d.CurrentStage == len(d.Stages)-1
}

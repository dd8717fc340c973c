package models

import "time"

// ChainStatus tracks the lifecycle of a correlation chain.
type ChainStatus string

const (
	ChainActive    ChainStatus = "active"
	ChainCompleted ChainStatus = "completed"
	ChainFailed    ChainStatus = "failed"
)

// ChainStatuses lists every chain status.
var ChainStatuses = []ChainStatus{ChainActive, ChainCompleted, ChainFailed}

// CorrelationChain groups related units of work under a root correlation id.
type CorrelationChain struct {
	ChainID           string      `json:"chain_id"`
	RootCorrelationID string      `json:"root_correlation_id"`
	Depth             int         `json:"depth"`
	StartedAt         time.Time   `json:"started_at"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	TotalEvents       int         `json:"total_events"`
	Metadata          Fields      `json:"metadata"`
	Status            ChainStatus `json:"status"`
}

// Duration returns completed_at - started_at, or false while the chain is open.
func (c CorrelationChain) Duration() (time.Duration, bool) {
	if c.CompletedAt == nil {
		return 0, false
	}
	return c.CompletedAt.Sub(c.StartedAt), true
}

// ChainUpdate carries the mergeable fields of an upsert. Nil pointers and
// empty values leave the stored value untouched.
type ChainUpdate struct {
	ChainID           string
	RootCorrelationID string
	Depth             *int
	EventsAdded       int
	Status            ChainStatus
	CompletedAt       *time.Time
	Metadata          Fields
	// At is when the update happened; it becomes started_at for new chains.
	At time.Time
}

// Apply merges the update into existing (nil for a new chain). Depth only
// grows while the chain is active and total_events accumulates. An active
// status reopens a finished chain and clears its completed_at.
func (u ChainUpdate) Apply(existing *CorrelationChain) CorrelationChain {
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var c CorrelationChain
	if existing == nil {
		root := u.RootCorrelationID
		if root == "" {
			root = u.ChainID
		}
		c = CorrelationChain{
			ChainID:           u.ChainID,
			RootCorrelationID: root,
			StartedAt:         at,
			Metadata:          Fields{},
			Status:            ChainActive,
		}
		if u.Depth != nil && *u.Depth > 0 {
			c.Depth = *u.Depth
		}
	} else {
		c = *existing
		c.Metadata = existing.Metadata.Clone()
		if u.Status == ChainActive && c.Status != ChainActive {
			c.Status = ChainActive
			c.CompletedAt = nil
		}
		if u.Depth != nil && c.Status == ChainActive && *u.Depth > c.Depth {
			c.Depth = *u.Depth
		}
	}

	if u.EventsAdded > 0 {
		c.TotalEvents += u.EventsAdded
	}
	if u.Status != "" {
		c.Status = u.Status
	}
	if u.CompletedAt != nil {
		done := u.CompletedAt.UTC()
		c.CompletedAt = &done
	} else if c.Status != ChainActive && c.CompletedAt == nil {
		done := at
		c.CompletedAt = &done
	}
	c.Metadata = c.Metadata.Merge(u.Metadata)
	return c
}

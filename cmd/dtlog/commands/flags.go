package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sterndu/datatransfer/pkg/log"
)

// FilterOptions are the textual filter flags shared by view and filter.
type FilterOptions struct {
	ConnID    string
	Direction string
	Layer     string
	Category  string
	Role      string
	FrameType string
	TimeStart string
	TimeEnd   string
}

// Build converts the options into a log.Filter.
func (o FilterOptions) Build() (log.Filter, error) {
	filter := log.Filter{ConnectionID: o.ConnID}

	if o.Direction != "" {
		d, err := parseDirection(o.Direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if o.Layer != "" {
		l, err := parseLayer(o.Layer)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}
	if o.Category != "" {
		c, err := parseCategory(o.Category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	if o.Role != "" {
		r, err := parseRole(o.Role)
		if err != nil {
			return filter, err
		}
		filter.Role = &r
	}
	if o.FrameType != "" {
		n, err := strconv.ParseInt(o.FrameType, 10, 8)
		if err != nil {
			return filter, fmt.Errorf("invalid frame type: %s (must be -128..127)", o.FrameType)
		}
		ft := int8(n)
		filter.FrameType = &ft
	}
	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return filter, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}
	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return filter, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}
	return filter, nil
}

func parseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "handshake":
		return log.LayerHandshake, nil
	case "application", "app":
		return log.LayerApplication, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, handshake, or application)", s)
	}
}

func parseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

func parseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "control":
		return log.CategoryControl, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, control, state, or error)", s)
	}
}

func parseRole(s string) (log.Role, error) {
	switch strings.ToLower(s) {
	case "initiator":
		return log.RoleInitiator, nil
	case "acceptor":
		return log.RoleAcceptor, nil
	default:
		return 0, fmt.Errorf("invalid role: %s (must be initiator or acceptor)", s)
	}
}

// Package events carries the invalidation signal emitted after every task
// mutation. Consumers (cache tiers, browser streams, other instances) treat an
// Invalidation as "the named views must be recomputed"; it holds no task data.
package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

const (
	ListView     = "/"
	detailPrefix = "/task/details/"
)

// DetailView is the path of the detail page for a task.
func DetailView(id uint) string {
	return detailPrefix + strconv.FormatUint(uint64(id), 10)
}

type Reason string

const (
	ReasonCreated       Reason = "created"
	ReasonFieldsUpdated Reason = "fields_updated"
	ReasonStatusUpdated Reason = "status_updated"
	ReasonDeleted       Reason = "deleted"
)

type Invalidation struct {
	ID     string    `json:"id"`
	Origin string    `json:"origin,omitempty"`
	Views  []string  `json:"views"`
	TaskID uint      `json:"task_id"`
	Reason Reason    `json:"reason"`
	At     time.Time `json:"at"`
}

// ForTask builds the invalidation of the list view and the task's detail view.
func ForTask(id uint, reason Reason) Invalidation {
	return Invalidation{
		ID:     uuid.Must(uuid.NewV4()).String(),
		Views:  []string{ListView, DetailView(id)},
		TaskID: id,
		Reason: reason,
		At:     time.Now().UTC(),
	}
}

type Notifier interface {
	Notify(ctx context.Context, inv Invalidation) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, inv Invalidation) error

func (f NotifierFunc) Notify(ctx context.Context, inv Invalidation) error {
	return f(ctx, inv)
}

// Multi delivers to every notifier in order. A failing notifier does not
// keep the rest from seeing the invalidation; the failures are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, inv Invalidation) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, inv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every invalidation.
var Discard Notifier = NotifierFunc(func(context.Context, Invalidation) error { return nil })

// ParseView reports whether view is the list view or a detail view, and the
// task id for the latter.
func ParseView(view string) (id uint, detail bool, err error) {
	if view == ListView {
		return 0, false, nil
	}
	rest, ok := strings.CutPrefix(view, detailPrefix)
	if !ok || rest == "" {
		return 0, false, fmt.Errorf("unknown view %q", view)
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || n == 0 {
		return 0, false, fmt.Errorf("unknown view %q", view)
	}
	return uint(n), true, nil
}

package chatclient

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrBusy is returned when a turn is submitted while another is in flight.
var ErrBusy = errors.New("a turn is already in flight")

type EntryState string

const (
	EntryConfirmed EntryState = "confirmed" // came from the server
	EntryPending   EntryState = "pending"   // optimistic user turn
	EntryThinking  EntryState = "thinking"  // placeholder for the reply
	EntryAnswered  EntryState = "answered"  // reply received, not yet refetched
)

// Entry is one line of the displayed history. Optimistic entries carry a
// temporary id prefixed with "tmp-".
type Entry struct {
	ID        string
	Role      string
	Text      string
	State     EntryState
	CreatedAt time.Time
}

// Backend is the subset of Client the reconciler needs.
type Backend interface {
	SendTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error)
	Retry(ctx context.Context, userID, conversationID string) (*TurnResponse, error)
	History(ctx context.Context, userID, characterKey string) (*History, error)
	Conversation(ctx context.Context, userID, conversationID string) (*History, error)
	Reset(ctx context.Context, userID, conversationID string) error
}

// Reconciler owns the displayed history of one (user, character) chat.
//
// Submit appends a pending user entry and a thinking placeholder before the
// request is sent. A reply replaces the placeholder; a failure restores the
// snapshot taken just before the optimistic append. Either way the history is
// then refetched from the server, which replaces local state.
type Reconciler struct {
	api          Backend
	userID       string
	characterKey string
	onChange     func([]Entry)

	mu             sync.Mutex
	entries        []Entry
	conversationID string
	character      *Character
	inFlight       bool
}

// NewReconciler builds a reconciler. onChange, if set, receives a copy of the
// entries after every change; it is called without the lock held.
func NewReconciler(api Backend, userID, characterKey string, onChange func([]Entry)) *Reconciler {
	return &Reconciler{
		api:          api,
		userID:       userID,
		characterKey: characterKey,
		onChange:     onChange,
	}
}

func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

func (r *Reconciler) ConversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationID
}

func (r *Reconciler) Character() *Character {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.character
}

// Refresh replaces local state with the server's history.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	convID := r.conversationID
	r.mu.Unlock()

	var (
		h   *History
		err error
	)
	if convID != "" {
		h, err = r.api.Conversation(ctx, r.userID, convID)
	} else {
		h, err = r.api.History(ctx, r.userID, r.characterKey)
	}
	if err != nil {
		return err
	}

	entries := make([]Entry, 0, len(h.Messages))
	for _, m := range h.Messages {
		entries = append(entries, Entry{
			ID:        strconv.FormatUint(m.ID, 10),
			Role:      m.Role,
			Text:      m.Text,
			State:     EntryConfirmed,
			CreatedAt: m.CreatedAt,
		})
	}

	r.mu.Lock()
	r.entries = entries
	r.conversationID = h.ConversationID
	if h.Character != nil {
		r.character = h.Character
	}
	out := slices.Clone(r.entries)
	r.mu.Unlock()

	r.notify(out)
	return nil
}

// Submit sends prompt as the next user turn and returns the reply text. The
// send error wins over a refetch error; a refetch error after a successful
// send is returned with the reply.
func (r *Reconciler) Submit(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt is empty")
	}

	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		return "", ErrBusy
	}
	r.inFlight = true
	snapshot := slices.Clone(r.entries)
	tempID := "tmp-" + ulid.Make().String()
	now := time.Now()
	r.entries = append(r.entries,
		Entry{ID: tempID, Role: "user", Text: prompt, State: EntryPending, CreatedAt: now},
		Entry{ID: tempID + "-reply", Role: "model", State: EntryThinking, CreatedAt: now},
	)
	convID := r.conversationID
	optimistic := slices.Clone(r.entries)
	r.mu.Unlock()
	r.notify(optimistic)

	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	res, sendErr := r.api.SendTurn(ctx, TurnRequest{
		UserID:         r.userID,
		Prompt:         prompt,
		CharacterKey:   r.characterKey,
		ConversationID: convID,
	})

	r.mu.Lock()
	if sendErr != nil {
		r.entries = snapshot
	} else {
		for i := range r.entries {
			switch r.entries[i].ID {
			case tempID + "-reply":
				r.entries[i].Text = res.AssistantText
				r.entries[i].State = EntryAnswered
			case tempID:
				r.entries[i].State = EntryAnswered
			}
		}
		if res.ConversationID != "" {
			r.conversationID = res.ConversationID
		}
	}
	settled := slices.Clone(r.entries)
	r.mu.Unlock()
	r.notify(settled)

	refreshErr := r.Refresh(ctx)

	if sendErr != nil {
		return "", sendErr
	}
	if refreshErr != nil {
		return res.AssistantText, fmt.Errorf("refresh history: %w", refreshErr)
	}
	return res.AssistantText, nil
}

// Retry asks the server to answer the last user turn again, for when an
// earlier send failed after the user message was stored. A thinking
// placeholder is shown while waiting; the history is refetched either way.
func (r *Reconciler) Retry(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		return "", ErrBusy
	}
	if r.conversationID == "" {
		r.mu.Unlock()
		return "", errors.New("no conversation to retry")
	}
	r.inFlight = true
	snapshot := slices.Clone(r.entries)
	r.entries = append(r.entries, Entry{
		ID:        "tmp-" + ulid.Make().String() + "-reply",
		Role:      "model",
		State:     EntryThinking,
		CreatedAt: time.Now(),
	})
	convID := r.conversationID
	optimistic := slices.Clone(r.entries)
	r.mu.Unlock()
	r.notify(optimistic)

	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	res, sendErr := r.api.Retry(ctx, r.userID, convID)
	if sendErr != nil {
		r.mu.Lock()
		r.entries = snapshot
		restored := slices.Clone(r.entries)
		r.mu.Unlock()
		r.notify(restored)
	}

	refreshErr := r.Refresh(ctx)

	if sendErr != nil {
		return "", sendErr
	}
	if refreshErr != nil {
		return res.AssistantText, fmt.Errorf("refresh history: %w", refreshErr)
	}
	return res.AssistantText, nil
}

// Reset clears the conversation on the server and refetches.
func (r *Reconciler) Reset(ctx context.Context) error {
	r.mu.Lock()
	convID := r.conversationID
	r.mu.Unlock()

	if convID == "" {
		if err := r.Refresh(ctx); err != nil {
			return err
		}
		convID = r.ConversationID()
	}
	if err := r.api.Reset(ctx, r.userID, convID); err != nil {
		return err
	}
	return r.Refresh(ctx)
}

func (r *Reconciler) notify(entries []Entry) {
	if r.onChange != nil {
		r.onChange(entries)
	}
}

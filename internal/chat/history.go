package chat

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/suPer8Hu/character-chat/internal/ai"
)

// Canonical role tokens stored in messages.role.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// NormalizeRole folds the role tokens older rows were written with
// ("assistant", "bot", "ai", ...) into the canonical pair.
func NormalizeRole(stored string) string {
	switch strings.ToLower(strings.TrimSpace(stored)) {
	case "user", "human":
		return RoleUser
	default:
		return RoleModel
	}
}

// Turn is one entry of the model-facing history.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// UIMessage is one entry of the history a person sees.
type UIMessage struct {
	ID        uint64    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// sortMessages orders by creation time, then by insertion order.
func sortMessages(msgs []Message) []Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// BuildModelHistory maps stored messages to turns for the language model. The
// result always starts with a user turn: when the first stored message is not
// one, the base prompt is prepended. Storage is not touched.
func BuildModelHistory(ch *Character, msgs []Message) []Turn {
	sorted := sortMessages(msgs)
	turns := make([]Turn, 0, len(sorted)+1)
	if len(sorted) == 0 || NormalizeRole(sorted[0].Role) != RoleUser {
		turns = append(turns, Turn{Role: RoleUser, Text: ch.BasePrompt})
	}
	for _, m := range sorted {
		turns = append(turns, Turn{Role: NormalizeRole(m.Role), Text: m.Text})
	}
	return turns
}

// BuildUIHistory drops the seed message and returns the rest in order.
func BuildUIHistory(msgs []Message) []UIMessage {
	sorted := sortMessages(msgs)
	if len(sorted) <= 1 {
		return []UIMessage{}
	}
	out := make([]UIMessage, 0, len(sorted)-1)
	for _, m := range sorted[1:] {
		out = append(out, UIMessage{
			ID:        m.ID,
			Role:      NormalizeRole(m.Role),
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		})
	}
	return out
}

// TrimWindow caps turns at size entries, keeping the leading seed turn and the
// most recent ones. size <= 0 disables trimming.
func TrimWindow(turns []Turn, size int) []Turn {
	if size <= 0 || len(turns) <= size {
		return turns
	}
	if size == 1 {
		return turns[:1]
	}
	out := make([]Turn, 0, size)
	out = append(out, turns[0])
	return append(out, turns[len(turns)-(size-1):]...)
}

func toProviderMessages(turns []Turn) []ai.Message {
	out := make([]ai.Message, 0, len(turns))
	for _, t := range turns {
		role := ai.RoleModel
		if t.Role == RoleUser {
			role = ai.RoleUser
		}
		out = append(out, ai.Message{Role: role, Content: t.Text})
	}
	return out
}

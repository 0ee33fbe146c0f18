package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Users

// UpsertUser creates the user or refreshes name and image. The email is
// fixed at creation.
func (r *Repo) UpsertUser(ctx context.Context, u *User) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "image_url", "updated_at"}),
		}).
		Create(u).Error
}

func (r *Repo) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Characters

func (r *Repo) CreateCharacter(ctx context.Context, c *Character) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// CreateCharacterIfAbsent inserts c unless a character with the same name exists.
// It reports whether a row was inserted.
func (r *Repo) CreateCharacterIfAbsent(ctx context.Context, c *Character) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(c)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) GetCharacterByName(ctx context.Context, name string) (*Character, error) {
	var c Character
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) GetCharacterByID(ctx context.Context, id uint64) (*Character, error) {
	var c Character
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) ListCharacters(ctx context.Context) ([]Character, error) {
	var out []Character
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Conversations

// CreateConversationOrGetExisting inserts conv together with its seed message in
// one transaction. When (user_id, character_id) already exists the existing
// conversation is returned and nothing is written.
func (r *Repo) CreateConversationOrGetExisting(ctx context.Context, conv *Conversation, seed *Message) (*Conversation, bool, error) {
	var out *Conversation
	created := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "character_id"}},
			DoNothing: true,
		}).Create(conv)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			var existing Conversation
			if err := tx.Where("user_id = ? AND character_id = ?", conv.UserID, conv.CharacterID).
				First(&existing).Error; err != nil {
				return err
			}
			out = &existing
			return nil
		}

		seed.ConversationID = conv.ID
		if err := tx.Create(seed).Error; err != nil {
			return err
		}
		out = conv
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (r *Repo) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).Preload("Character").First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) GetConversationByPair(ctx context.Context, userID string, characterID uint64) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).
		Preload("Character").
		Where("user_id = ? AND character_id = ?", userID, characterID).
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversationsByUser returns a user's conversations with their character,
// ordered by creation time.
func (r *Repo) ListConversationsByUser(ctx context.Context, userID string, ascending bool, limit int) ([]Conversation, error) {
	order := "created_at DESC, id DESC"
	if ascending {
		order = "created_at ASC, id ASC"
	}
	q := r.db.WithContext(ctx).
		Preload("Character").
		Where("user_id = ?", userID).
		Order(order)
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []Conversation
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Messages

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns every message of a conversation, oldest first. Ties on
// created_at fall back to insertion order.
func (r *Repo) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) GetMessage(ctx context.Context, id uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMessagesExceptSeed removes every message but the earliest one.
func (r *Repo) DeleteMessagesExceptSeed(ctx context.Context, conversationID string) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seed Message
		err := tx.Where("conversation_id = ?", conversationID).
			Order("created_at ASC, id ASC").
			First(&seed).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Where("conversation_id = ? AND id <> ?", conversationID, seed.ID).Delete(&Message{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}

// Job CRUD
func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// errLeaseLost reports a finish attempt by a delivery whose claim was taken
// over or already released.
var errLeaseLost = errors.New("job lease lost")

// ClaimJob moves a queued job, or a running job whose lease expired, to
// running under a fresh token. It reports false when the job is finished or
// another delivery still holds it.
func (r *Repo) ClaimJob(ctx context.Context, id string, lease time.Duration) (string, bool, error) {
	now := time.Now().UTC()
	token := NewID()
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Where(r.db.Where("status = ?", JobQueued).
			Or("status = ? AND (lease_until IS NULL OR lease_until < ?)", JobRunning, now)).
		Updates(map[string]any{
			"status":      JobRunning,
			"claim_token": token,
			"lease_until": now.Add(lease),
		})
	if res.Error != nil {
		return "", false, res.Error
	}
	return token, res.RowsAffected > 0, nil
}

// FinishJob stores reply, unless it is already persisted, and marks the job
// succeeded in one transaction.
func (r *Repo) FinishJob(ctx context.Context, id, token string, reply *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if reply.ID == 0 {
			if err := tx.Create(reply).Error; err != nil {
				return err
			}
		}
		res := tx.Model(&Job{}).
			Where("id = ? AND status = ? AND claim_token = ?", id, JobRunning, token).
			Updates(map[string]any{
				"status":            JobSucceeded,
				"result_message_id": reply.ID,
				"error":             nil,
				"claim_token":       nil,
				"lease_until":       nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errLeaseLost
		}
		return nil
	})
}

func (r *Repo) MarkJobFailed(ctx context.Context, id, token string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
			"claim_token":       nil,
			"lease_until":       nil,
		}).Error
}

// ReleaseJob hands a running job back to the queue so the next delivery can
// claim it at once.
func (r *Repo) ReleaseJob(ctx context.Context, id, token string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, JobRunning, token).
		Updates(map[string]any{
			"status":      JobQueued,
			"claim_token": nil,
			"lease_until": nil,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID string, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting persists the job's user message and the job in one
// transaction. If (user_id, idempotency_key) already exists, nothing is written
// and the existing job is returned instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job, userMsg *Message) (*Job, bool, error) {
	if job.IdempotencyKey != nil && *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(userMsg).Error; err != nil {
			return err
		}
		job.UserMessageID = userMsg.ID
		return tx.Create(job).Error
	})
	if err == nil {
		return job, true, nil
	}
	if job.IdempotencyKey == nil {
		return nil, false, err
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

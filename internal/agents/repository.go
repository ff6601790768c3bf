package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voxwire/voxwire/internal/secrets"
)

// ErrNotFound indicates the agent (or related row) does not exist.
var ErrNotFound = errors.New("agents: not found")

type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists agents, their background audio and doc templates.
type Repository struct {
	pool PgxPool
}

func NewRepository(pool PgxPool) *Repository {
	if pool == nil {
		panic("agents: pgx pool required")
	}
	return &Repository{pool: pool}
}

const agentColumns = `id, user_id, display_name, greeting, prompt, voice_id,
	background_audio_url, background_audio_gain, transfer_to_number,
	inbound_transfer_enabled, inbound_transfer_number,
	runtime_service_name, runtime_secret_set_name, runtime_region,
	action_token_hash, action_token_ciphertext, action_token_iv, action_token_tag,
	default_doc_template_id, created_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	if err := row.Scan(&a.ID, &a.UserID, &a.DisplayName, &a.Greeting, &a.Prompt, &a.VoiceID,
		&a.BackgroundAudioURL, &a.BackgroundAudioGain, &a.TransferToNumber,
		&a.InboundTransferEnabled, &a.InboundTransferNumber,
		&a.RuntimeServiceName, &a.RuntimeSecretSetName, &a.RuntimeRegion,
		&a.ActionTokenHash, &a.ActionToken.Ciphertext, &a.ActionToken.IV, &a.ActionToken.Tag,
		&a.DefaultDocTemplateID, &a.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: scan: %w", err)
	}
	return &a, nil
}

// Create inserts a new agent row.
func (r *Repository) Create(ctx context.Context, a *Agent) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.RuntimeServiceName == "" {
		a.RuntimeServiceName = "agent-" + a.ID.String()
	}
	if a.RuntimeSecretSetName == "" {
		a.RuntimeSecretSetName = a.RuntimeServiceName + "-secrets"
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO agents (
			id, user_id, display_name, greeting, prompt, voice_id,
			background_audio_url, background_audio_gain, transfer_to_number,
			inbound_transfer_enabled, inbound_transfer_number,
			runtime_service_name, runtime_secret_set_name, runtime_region,
			default_doc_template_id
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at
	`, a.ID, a.UserID, a.DisplayName, a.Greeting, a.Prompt, a.VoiceID,
		a.BackgroundAudioURL, a.BackgroundAudioGain, a.TransferToNumber,
		a.InboundTransferEnabled, a.InboundTransferNumber,
		a.RuntimeServiceName, a.RuntimeSecretSetName, a.RuntimeRegion,
		a.DefaultDocTemplateID,
	).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("agents: insert: %w", err)
	}
	return nil
}

// Update rewrites the customer-editable fields.
func (r *Repository) Update(ctx context.Context, a *Agent) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents
		SET display_name = $2, greeting = $3, prompt = $4, voice_id = $5,
			background_audio_url = $6, background_audio_gain = $7,
			transfer_to_number = $8, inbound_transfer_enabled = $9,
			inbound_transfer_number = $10, default_doc_template_id = $11
		WHERE id = $1
	`, a.ID, a.DisplayName, a.Greeting, a.Prompt, a.VoiceID,
		a.BackgroundAudioURL, a.BackgroundAudioGain,
		a.TransferToNumber, a.InboundTransferEnabled,
		a.InboundTransferNumber, a.DefaultDocTemplateID)
	if err != nil {
		return fmt.Errorf("agents: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActionToken stores the hash and sealed token material.
func (r *Repository) SetActionToken(ctx context.Context, agentID uuid.UUID, hash string, token secrets.SealedString) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents
		SET action_token_hash = $2, action_token_ciphertext = $3,
			action_token_iv = $4, action_token_tag = $5
		WHERE id = $1
	`, agentID, hash, token.Ciphertext, token.IV, token.Tag)
	if err != nil {
		return fmt.Errorf("agents: set action token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID fetches one agent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Agent, error) {
	return scanAgent(r.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

// GetByServiceName fetches the agent behind a runtime service name; the
// dial-in webhook path carries this name.
func (r *Repository) GetByServiceName(ctx context.Context, name string) (*Agent, error) {
	return scanAgent(r.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE runtime_service_name = $1`, name))
}

// GetByActionTokenHash resolves the agent authenticating a tool action call.
func (r *Repository) GetByActionTokenHash(ctx context.Context, hash string) (*Agent, error) {
	return scanAgent(r.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE action_token_hash = $1`, hash))
}

// ListByUser returns all agents for a user.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]Agent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Delete removes the local agent row.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("agents: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertBackgroundAudio replaces the agent's ambience WAV.
func (r *Repository) UpsertBackgroundAudio(ctx context.Context, audio *BackgroundAudio) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO agent_background_audio (agent_id, user_id, audio, access_token, mime, size)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (agent_id) DO UPDATE
		SET audio = EXCLUDED.audio,
			access_token = EXCLUDED.access_token,
			mime = EXCLUDED.mime,
			size = EXCLUDED.size,
			created_at = now()
	`, audio.AgentID, audio.UserID, audio.Audio, audio.AccessToken, audio.Mime, audio.Size)
	if err != nil {
		return fmt.Errorf("agents: upsert background audio: %w", err)
	}
	return nil
}

// GetBackgroundAudio fetches the agent's ambience WAV.
func (r *Repository) GetBackgroundAudio(ctx context.Context, agentID uuid.UUID) (*BackgroundAudio, error) {
	var b BackgroundAudio
	err := r.pool.QueryRow(ctx, `
		SELECT agent_id, user_id, audio, access_token, mime, size, created_at
		FROM agent_background_audio
		WHERE agent_id = $1
	`, agentID).Scan(&b.AgentID, &b.UserID, &b.Audio, &b.AccessToken, &b.Mime, &b.Size, &b.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get background audio: %w", err)
	}
	return &b, nil
}

// CreateDocTemplate stores a letter template; names are unique per user.
func (r *Repository) CreateDocTemplate(ctx context.Context, t *DocTemplate) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO doc_templates (id, user_id, name, original_filename, doc)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, t.ID, t.UserID, t.Name, t.OriginalFilename, t.Doc).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("agents: insert doc template: %w", err)
	}
	return nil
}

// GetDocTemplate fetches a template scoped to the user.
func (r *Repository) GetDocTemplate(ctx context.Context, userID, id uuid.UUID) (*DocTemplate, error) {
	var t DocTemplate
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, name, original_filename, doc, created_at
		FROM doc_templates
		WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&t.ID, &t.UserID, &t.Name, &t.OriginalFilename, &t.Doc, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get doc template: %w", err)
	}
	return &t, nil
}

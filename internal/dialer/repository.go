package dialer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// ErrNotFound indicates the campaign, lead or call log does not exist.
var ErrNotFound = errors.New("dialer: not found")

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignDeleted   = "deleted"
)

// Lead statuses.
const (
	LeadPending     = "pending"
	LeadQueued      = "queued"
	LeadDialing     = "dialing"
	LeadAnswered    = "answered"
	LeadVoicemail   = "voicemail"
	LeadTransferred = "transferred"
	LeadFailed      = "failed"
	LeadCompleted   = "completed"
)

// Campaign is one outbound dialing campaign. AI campaigns carry an agent;
// audio-only campaigns carry an uploaded announcement instead.
type Campaign struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Name             string
	AIAgentID        *uuid.UUID
	ConcurrencyLimit int
	Status           string
	CampaignAudio    []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastStartedAt    *time.Time
	LastPausedAt     *time.Time
}

// Lead is one phone number in a campaign.
type Lead struct {
	ID           uuid.UUID
	CampaignID   uuid.UUID
	UserID       uuid.UUID
	PhoneNumber  string
	LeadName     *string
	Metadata     []byte
	Status       string
	AttemptCount int
	LastCallAt   *time.Time
	CreatedAt    time.Time
}

// CallLog is one dial-out attempt.
type CallLog struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	LeadID      *uuid.UUID
	UserID      uuid.UUID
	AIAgentID   *uuid.UUID
	CallID      *string
	CallDomain  *string
	Status      string
	Result      *string
	TimeStart   time.Time
	TimeConnect *time.Time
	TimeEnd     *time.Time
	DurationSec *int64
	Price       *decimal.Decimal
	Billed      bool
	Notes       *string
	CreatedAt   time.Time
}

type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists campaigns, leads and dial-out call logs.
type Repository struct {
	pool PgxPool
}

func NewRepository(pool PgxPool) *Repository {
	if pool == nil {
		panic("dialer: pgx pool required")
	}
	return &Repository{pool: pool}
}

// CreateCampaign inserts a campaign; the concurrency bounds are validated by
// the caller and enforced again by the table CHECK.
func (r *Repository) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO campaigns (id, user_id, name, ai_agent_id, concurrency_limit, status, campaign_audio)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at
	`, c.ID, c.UserID, c.Name, c.AIAgentID, c.ConcurrencyLimit, c.Status, c.CampaignAudio,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("dialer: insert campaign: %w", err)
	}
	return nil
}

// GetCampaign fetches one campaign scoped to a user.
func (r *Repository) GetCampaign(ctx context.Context, userID, id uuid.UUID) (*Campaign, error) {
	var c Campaign
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, name, ai_agent_id, concurrency_limit, status,
			created_at, updated_at, last_started_at, last_paused_at
		FROM campaigns
		WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&c.ID, &c.UserID, &c.Name, &c.AIAgentID, &c.ConcurrencyLimit,
		&c.Status, &c.CreatedAt, &c.UpdatedAt, &c.LastStartedAt, &c.LastPausedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dialer: get campaign: %w", err)
	}
	return &c, nil
}

// SetCampaignStatus transitions a campaign, stamping the start/pause times.
func (r *Repository) SetCampaignStatus(ctx context.Context, userID, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $3,
			updated_at = now(),
			last_started_at = CASE WHEN $3 = 'running' THEN now() ELSE last_started_at END,
			last_paused_at = CASE WHEN $3 = 'paused' THEN now() ELSE last_paused_at END
		WHERE id = $1 AND user_id = $2
	`, id, userID, status)
	if err != nil {
		return fmt.Errorf("dialer: set campaign status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRunningCampaigns returns up to limit running campaigns for the tick.
func (r *Repository) ListRunningCampaigns(ctx context.Context, limit int) ([]Campaign, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, name, ai_agent_id, concurrency_limit, status,
			campaign_audio IS NOT NULL,
			created_at, updated_at, last_started_at, last_paused_at
		FROM campaigns
		WHERE status = 'running'
		ORDER BY last_started_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("dialer: list running campaigns: %w", err)
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		var c Campaign
		var hasAudio bool
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.AIAgentID, &c.ConcurrencyLimit,
			&c.Status, &hasAudio, &c.CreatedAt, &c.UpdatedAt, &c.LastStartedAt, &c.LastPausedAt); err != nil {
			return nil, fmt.Errorf("dialer: scan campaign: %w", err)
		}
		if hasAudio {
			// Marker only; the audio bytes are fetched by the public endpoint.
			c.CampaignAudio = []byte{1}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertLeads bulk-inserts parsed leads; duplicates per (campaign, phone)
// are absorbed. Returns how many rows were actually inserted.
func (r *Repository) InsertLeads(ctx context.Context, leads []Lead) (int, error) {
	inserted := 0
	for i := range leads {
		l := &leads[i]
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		metadata := l.Metadata
		if len(metadata) == 0 {
			metadata = []byte("{}")
		}
		tag, err := r.pool.Exec(ctx, `
			INSERT INTO leads (id, campaign_id, user_id, phone_number, lead_name, metadata)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (campaign_id, phone_number) DO NOTHING
		`, l.ID, l.CampaignID, l.UserID, l.PhoneNumber, l.LeadName, metadata)
		if err != nil {
			return inserted, fmt.Errorf("dialer: insert lead: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// CountInProgress counts leads currently holding a concurrency slot.
func (r *Repository) CountInProgress(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM leads
		WHERE campaign_id = $1 AND status IN ('queued', 'dialing')
	`, campaignID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("dialer: count in progress: %w", err)
	}
	return count, nil
}

// ClaimPendingLeads atomically moves up to limit pending leads to queued and
// returns them. The conditional UPDATE is the claim; two ticks cannot both
// take the same lead.
func (r *Repository) ClaimPendingLeads(ctx context.Context, campaignID uuid.UUID, limit int) ([]Lead, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE leads
		SET status = 'queued', attempt_count = attempt_count + 1, last_call_at = now()
		WHERE id IN (
			SELECT id FROM leads
			WHERE campaign_id = $1 AND status = 'pending'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status = 'pending'
		RETURNING id, campaign_id, user_id, phone_number, lead_name, metadata,
			status, attempt_count, last_call_at, created_at
	`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("dialer: claim leads: %w", err)
	}
	defer rows.Close()
	var out []Lead
	for rows.Next() {
		var l Lead
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.UserID, &l.PhoneNumber, &l.LeadName,
			&l.Metadata, &l.Status, &l.AttemptCount, &l.LastCallAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("dialer: scan claimed lead: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SetLeadStatus transitions one lead.
func (r *Repository) SetLeadStatus(ctx context.Context, leadID uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE leads SET status = $2 WHERE id = $1`, leadID, status)
	if err != nil {
		return fmt.Errorf("dialer: set lead status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateCallLog records one dial-out attempt.
func (r *Repository) CreateCallLog(ctx context.Context, l *CallLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = "created"
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO dialer_call_logs (id, campaign_id, lead_id, user_id, ai_agent_id,
			call_id, call_domain, status, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at
	`, l.ID, l.CampaignID, l.LeadID, l.UserID, l.AIAgentID,
		l.CallID, l.CallDomain, l.Status, l.Notes).Scan(&l.CreatedAt)
	if err != nil {
		return fmt.Errorf("dialer: insert call log: %w", err)
	}
	return nil
}

const dialerCallColumns = `id, campaign_id, lead_id, user_id, ai_agent_id,
	call_id, call_domain, status, result, time_start, time_connect, time_end,
	duration_sec, price::text, billed, notes, created_at`

// FindCallLog resolves a dial-out call log by its provider identifiers.
func (r *Repository) FindCallLog(ctx context.Context, callDomain, callID string) (*CallLog, error) {
	var l CallLog
	var price *string
	err := r.pool.QueryRow(ctx, `
		SELECT `+dialerCallColumns+` FROM dialer_call_logs
		WHERE call_domain = $1 AND call_id = $2
	`, callDomain, callID).Scan(&l.ID, &l.CampaignID, &l.LeadID, &l.UserID, &l.AIAgentID,
		&l.CallID, &l.CallDomain, &l.Status, &l.Result, &l.TimeStart, &l.TimeConnect,
		&l.TimeEnd, &l.DurationSec, &price, &l.Billed, &l.Notes, &l.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dialer: find call log: %w", err)
	}
	if price != nil {
		parsed, err := decimal.NewFromString(*price)
		if err != nil {
			return nil, fmt.Errorf("dialer: parse price: %w", err)
		}
		l.Price = &parsed
	}
	return &l, nil
}

// SetCallLogStatus transitions a dial-out log, optionally attaching notes.
func (r *Repository) SetCallLogStatus(ctx context.Context, id uuid.UUID, status string, notes *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE dialer_call_logs
		SET status = $2, notes = COALESCE($3, notes)
		WHERE id = $1
	`, id, status, notes)
	if err != nil {
		return fmt.Errorf("dialer: set call log status: %w", err)
	}
	return nil
}

// SetCallResult records a mid-call outcome (voicemail, transferred) ahead of
// the terminal event.
func (r *Repository) SetCallResult(ctx context.Context, id uuid.UUID, result string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE dialer_call_logs
		SET result = $2
		WHERE id = $1
	`, id, result)
	if err != nil {
		return fmt.Errorf("dialer: set call result: %w", err)
	}
	return nil
}

// MarkCallConnected stamps the connect time once.
func (r *Repository) MarkCallConnected(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE dialer_call_logs
		SET time_connect = COALESCE(time_connect, $2), status = 'connected'
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("dialer: mark call connected: %w", err)
	}
	return nil
}

// FinalizeCallLog writes the terminal duration, result and price.
func (r *Repository) FinalizeCallLog(ctx context.Context, id uuid.UUID, end time.Time,
	durationSec int64, price decimal.Decimal, status, result string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dialer_call_logs
		SET time_end = $2, duration_sec = $3, price = $4, status = $5, result = $6
		WHERE id = $1
	`, id, end, durationSec, price.String(), status, result)
	if err != nil {
		return fmt.Errorf("dialer: finalize call log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCampaignAudio returns the uploaded announcement bytes.
func (r *Repository) GetCampaignAudio(ctx context.Context, campaignID uuid.UUID) ([]byte, error) {
	var audio []byte
	err := r.pool.QueryRow(ctx,
		`SELECT campaign_audio FROM campaigns WHERE id = $1`, campaignID).Scan(&audio)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dialer: get campaign audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrNotFound
	}
	return audio, nil
}

package dialer

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/billing"
)

// ErrNoPhoneColumn indicates the CSV is missing its phone header.
var ErrNoPhoneColumn = errors.New("dialer: csv has no phone column")

// ParseResult reports what the CSV contained.
type ParseResult struct {
	Leads    []Lead
	Rejected []string
}

// ParseLeadCSV reads header-keyed rows (phone, name, metadata), normalizes
// phone numbers to E.164 and collects rejects instead of failing the upload.
func ParseLeadCSV(r io.Reader, campaignID, userID uuid.UUID) (*ParseResult, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("dialer: read csv header: %w", err)
	}
	phoneIdx, nameIdx, metaIdx := -1, -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "phone", "phone_number", "number":
			phoneIdx = i
		case "name", "lead_name":
			nameIdx = i
		case "metadata":
			metaIdx = i
		}
	}
	if phoneIdx < 0 {
		return nil, ErrNoPhoneColumn
	}

	result := &ParseResult{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dialer: read csv row: %w", err)
		}
		if phoneIdx >= len(record) {
			continue
		}
		raw := strings.TrimSpace(record[phoneIdx])
		phone, ok := NormalizePhone(raw)
		if !ok {
			if raw != "" {
				result.Rejected = append(result.Rejected, raw)
			}
			continue
		}

		lead := Lead{CampaignID: campaignID, UserID: userID, PhoneNumber: phone}
		if nameIdx >= 0 && nameIdx < len(record) {
			if name := strings.TrimSpace(record[nameIdx]); name != "" {
				lead.LeadName = &name
			}
		}
		if metaIdx >= 0 && metaIdx < len(record) {
			if meta := strings.TrimSpace(record[metaIdx]); meta != "" && json.Valid([]byte(meta)) {
				lead.Metadata = []byte(meta)
			}
		}
		result.Leads = append(result.Leads, lead)
	}
	return result, nil
}

// NormalizePhone converts a raw phone string to E.164. Ten-digit NANPA
// numbers get a +1 prefix; anything outside 8-15 digits is rejected.
func NormalizePhone(raw string) (string, bool) {
	digits := billing.DigitsOnly(raw)
	if len(digits) == 10 {
		return "+1" + digits, true
	}
	if len(digits) < 8 || len(digits) > 15 {
		return "", false
	}
	return "+" + digits, true
}

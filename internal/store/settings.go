package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Settings are the user-mutable preferences backing capture and assist
// behavior. They live in the settings key-value table and are seeded from the
// config defaults on first run.
type Settings struct {
	STTModel       string   `json:"stt_model"`
	STTLanguage    string   `json:"stt_language"`
	LLMProvider    string   `json:"llm_provider"`
	LLMLanguage    string   `json:"llm_language"`
	InterimResults bool     `json:"interim_results"`
	EndpointingMS  int      `json:"endpointing_ms"`
	MicInput       string   `json:"mic_input"`
	SystemAudio    string   `json:"system_audio"`
	AutoDelete     string   `json:"auto_delete"`
	SelfSpeakers   []string `json:"self_speaker_tags"`
}

// SettingsPatch applies partial updates; nil fields are left untouched.
type SettingsPatch struct {
	STTModel       *string   `json:"stt_model"`
	STTLanguage    *string   `json:"stt_language"`
	LLMProvider    *string   `json:"llm_provider"`
	LLMLanguage    *string   `json:"llm_language"`
	InterimResults *bool     `json:"interim_results"`
	EndpointingMS  *int      `json:"endpointing_ms"`
	MicInput       *string   `json:"mic_input"`
	SystemAudio    *string   `json:"system_audio"`
	AutoDelete     *string   `json:"auto_delete"`
	SelfSpeakers   *[]string `json:"self_speaker_tags"`
}

const (
	keySTTModel       = "stt_model"
	keySTTLanguage    = "stt_language"
	keyLLMProvider    = "llm_provider"
	keyLLMLanguage    = "llm_language"
	keyInterimResults = "interim_results"
	keyEndpointingMS  = "endpointing_ms"
	keyMicInput       = "mic_input"
	keySystemAudio    = "system_audio"
	keyAutoDelete     = "auto_delete"
	keySelfSpeakers   = "self_speaker_tags"
)

func (s *Store) seedSettings(ctx context.Context) error {
	tags, err := json.Marshal(s.defaults.SelfSpeakers)
	if err != nil {
		return err
	}
	seed := map[string]string{
		keySTTModel:       s.defaults.STTModel,
		keySTTLanguage:    s.defaults.STTLanguage,
		keyLLMProvider:    "",
		keyLLMLanguage:    s.defaults.LLMLanguage,
		keyInterimResults: strconv.FormatBool(s.defaults.InterimResults),
		keyEndpointingMS:  strconv.Itoa(s.defaults.EndpointingMS),
		keyMicInput:       s.defaults.MicInput,
		keySystemAudio:    s.defaults.SystemAudio,
		keyAutoDelete:     s.defaults.AutoDelete,
		keySelfSpeakers:   string(tags),
	}
	for key, value := range seed {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO settings(key, value) VALUES(?, ?) ON CONFLICT(key) DO NOTHING`, key, value); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}
	return nil
}

// Settings loads the full settings snapshot.
func (s *Store) Settings(ctx context.Context) (Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return Settings{}, err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Settings{}, err
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return Settings{}, err
	}

	out := Settings{
		STTModel:    values[keySTTModel],
		STTLanguage: values[keySTTLanguage],
		LLMProvider: values[keyLLMProvider],
		LLMLanguage: values[keyLLMLanguage],
		MicInput:    values[keyMicInput],
		SystemAudio: values[keySystemAudio],
		AutoDelete:  values[keyAutoDelete],
	}
	out.InterimResults, _ = strconv.ParseBool(values[keyInterimResults])
	out.EndpointingMS, _ = strconv.Atoi(values[keyEndpointingMS])
	if raw := values[keySelfSpeakers]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &out.SelfSpeakers); err != nil {
			return Settings{}, fmt.Errorf("decode self speaker tags: %w", err)
		}
	}
	return out, nil
}

// UpdateSettings applies a partial patch and returns the resulting snapshot.
func (s *Store) UpdateSettings(ctx context.Context, patch SettingsPatch) (Settings, error) {
	if err := patch.validate(); err != nil {
		return Settings{}, err
	}

	updates := make(map[string]string)
	if patch.STTModel != nil {
		updates[keySTTModel] = *patch.STTModel
	}
	if patch.STTLanguage != nil {
		updates[keySTTLanguage] = *patch.STTLanguage
	}
	if patch.LLMProvider != nil {
		updates[keyLLMProvider] = *patch.LLMProvider
	}
	if patch.LLMLanguage != nil {
		updates[keyLLMLanguage] = *patch.LLMLanguage
	}
	if patch.InterimResults != nil {
		updates[keyInterimResults] = strconv.FormatBool(*patch.InterimResults)
	}
	if patch.EndpointingMS != nil {
		updates[keyEndpointingMS] = strconv.Itoa(*patch.EndpointingMS)
	}
	if patch.MicInput != nil {
		updates[keyMicInput] = *patch.MicInput
	}
	if patch.SystemAudio != nil {
		updates[keySystemAudio] = *patch.SystemAudio
	}
	if patch.AutoDelete != nil {
		updates[keyAutoDelete] = *patch.AutoDelete
	}
	if patch.SelfSpeakers != nil {
		encoded, err := json.Marshal(*patch.SelfSpeakers)
		if err != nil {
			return Settings{}, err
		}
		updates[keySelfSpeakers] = string(encoded)
	}

	if len(updates) > 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return Settings{}, err
		}
		defer tx.Rollback()
		for key, value := range updates {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO settings(key, value) VALUES(?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
				return Settings{}, fmt.Errorf("update setting %s: %w", key, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return Settings{}, err
		}
	}
	return s.Settings(ctx)
}

func (p SettingsPatch) validate() error {
	if p.STTModel != nil && strings.TrimSpace(*p.STTModel) == "" {
		return errors.New("stt_model must not be empty")
	}
	if p.STTLanguage != nil && strings.TrimSpace(*p.STTLanguage) == "" {
		return errors.New("stt_language must not be empty")
	}
	if p.LLMProvider != nil {
		switch *p.LLMProvider {
		case "", "openai", "anthropic":
		default:
			return errors.New("llm_provider must be one of openai|anthropic or empty")
		}
	}
	if p.EndpointingMS != nil && *p.EndpointingMS < 0 {
		return errors.New("endpointing_ms must be >= 0")
	}
	if p.AutoDelete != nil {
		v := strings.TrimSpace(*p.AutoDelete)
		if v != "never" && retentionDays(v) <= 0 {
			return errors.New("auto_delete must be \"never\" or a value like \"30days\"")
		}
	}
	return nil
}

// ActiveSessionID reports the currently active session, if any.
func (s *Store) ActiveSessionID(ctx context.Context) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sessions WHERE is_active = 1 LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

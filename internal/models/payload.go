package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies a known kind of sync event
type EventType string

const (
	EventProfileUpdate      EventType = "profile_update"
	EventSettingsSync       EventType = "settings_sync"
	EventAvatarChanged      EventType = "avatar_changed"
	EventCredentialsRotated EventType = "credentials_rotated"
	EventNotificationPrefs  EventType = "notification_prefs"
)

var ErrUnknownEventType = errors.New("unknown event type")
var ErrEmptyUserID = errors.New("payload user id is empty")

// EventPayload is the tagged union over known event kinds. Each payload
// carries the user it belongs to and can flatten itself into the record
// shape written to the shared store.
type EventPayload interface {
	Kind() EventType
	UserKey() string
	Validate() error
	Record() map[string]any
}

// ProfileUpdatePayload carries changed profile fields. Nil pointers mean
// the field was not touched by this update.
type ProfileUpdatePayload struct {
	UserID string  `json:"userId"`
	Name   *string `json:"name,omitempty"`
	Email  *string `json:"email,omitempty"`
	Phone  *string `json:"phone,omitempty"`
	Title  *string `json:"title,omitempty"`
}

func (p *ProfileUpdatePayload) Kind() EventType { return EventProfileUpdate }
func (p *ProfileUpdatePayload) UserKey() string { return p.UserID }

func (p *ProfileUpdatePayload) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if p.Name == nil && p.Email == nil && p.Phone == nil && p.Title == nil {
		return errors.New("profile update has no changed fields")
	}
	return nil
}

func (p *ProfileUpdatePayload) Record() map[string]any {
	rec := map[string]any{"user_id": p.UserID}
	putString(rec, "name", p.Name)
	putString(rec, "email", p.Email)
	putString(rec, "phone", p.Phone)
	putString(rec, "title", p.Title)
	return rec
}

// SettingsSyncPayload carries changed user settings.
type SettingsSyncPayload struct {
	UserID   string  `json:"userId"`
	Theme    *string `json:"theme,omitempty"`
	Language *string `json:"language,omitempty"`
	Timezone *string `json:"timezone,omitempty"`
	Version  *int    `json:"version,omitempty"`
}

func (p *SettingsSyncPayload) Kind() EventType { return EventSettingsSync }
func (p *SettingsSyncPayload) UserKey() string { return p.UserID }

func (p *SettingsSyncPayload) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	return nil
}

func (p *SettingsSyncPayload) Record() map[string]any {
	rec := map[string]any{"user_id": p.UserID}
	putString(rec, "theme", p.Theme)
	putString(rec, "language", p.Language)
	putString(rec, "timezone", p.Timezone)
	if p.Version != nil {
		rec["version"] = *p.Version
	}
	return rec
}

// AvatarChangedPayload carries a new avatar location.
type AvatarChangedPayload struct {
	UserID    string `json:"userId"`
	AvatarURL string `json:"avatarUrl"`
}

func (p *AvatarChangedPayload) Kind() EventType { return EventAvatarChanged }
func (p *AvatarChangedPayload) UserKey() string { return p.UserID }

func (p *AvatarChangedPayload) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if p.AvatarURL == "" {
		return errors.New("avatar url is empty")
	}
	return nil
}

func (p *AvatarChangedPayload) Record() map[string]any {
	return map[string]any{"user_id": p.UserID, "avatar": p.AvatarURL}
}

// CredentialsRotatedPayload carries a rotated credential. The secret is
// already ciphertext by the time it reaches the engine; events carrying
// it should be enqueued with the encrypted flag set.
type CredentialsRotatedPayload struct {
	UserID          string `json:"userId"`
	CredentialID    string `json:"credentialId"`
	EncryptedSecret string `json:"encryptedSecret"`
	MFAEnabled      *bool  `json:"mfaEnabled,omitempty"`
}

func (p *CredentialsRotatedPayload) Kind() EventType { return EventCredentialsRotated }
func (p *CredentialsRotatedPayload) UserKey() string { return p.UserID }

func (p *CredentialsRotatedPayload) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if p.CredentialID == "" {
		return errors.New("credential id is empty")
	}
	return nil
}

func (p *CredentialsRotatedPayload) Record() map[string]any {
	rec := map[string]any{
		"user_id":          p.UserID,
		"credential_id":    p.CredentialID,
		"encrypted_secret": p.EncryptedSecret,
	}
	if p.MFAEnabled != nil {
		rec["mfa_enabled"] = *p.MFAEnabled
	}
	return rec
}

// NotificationPrefsPayload carries changed notification preferences.
type NotificationPrefsPayload struct {
	UserID       string  `json:"userId"`
	EmailEnabled *bool   `json:"emailEnabled,omitempty"`
	PushEnabled  *bool   `json:"pushEnabled,omitempty"`
	QuietHours   *string `json:"quietHours,omitempty"`
}

func (p *NotificationPrefsPayload) Kind() EventType { return EventNotificationPrefs }
func (p *NotificationPrefsPayload) UserKey() string { return p.UserID }

func (p *NotificationPrefsPayload) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	return nil
}

func (p *NotificationPrefsPayload) Record() map[string]any {
	rec := map[string]any{"user_id": p.UserID}
	if p.EmailEnabled != nil {
		rec["email_enabled"] = *p.EmailEnabled
	}
	if p.PushEnabled != nil {
		rec["push_enabled"] = *p.PushEnabled
	}
	putString(rec, "quiet_hours", p.QuietHours)
	return rec
}

// DecodePayload parses a raw payload for the given kind. Unknown kinds
// are rejected at the boundary rather than passed through untyped.
func DecodePayload(kind EventType, data []byte) (EventPayload, error) {
	var payload EventPayload
	switch kind {
	case EventProfileUpdate:
		payload = &ProfileUpdatePayload{}
	case EventSettingsSync:
		payload = &SettingsSyncPayload{}
	case EventAvatarChanged:
		payload = &AvatarChangedPayload{}
	case EventCredentialsRotated:
		payload = &CredentialsRotatedPayload{}
	case EventNotificationPrefs:
		payload = &NotificationPrefsPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, kind)
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

func putString(rec map[string]any, key string, val *string) {
	if val != nil {
		rec[key] = *val
	}
}

package syncbridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// WebhookAdapter turns one provider push notification into remote changes.
type WebhookAdapter interface {
	Provider() Provider
	ParseEnvelope(env Envelope) ([]RemoteChange, error)
}

func DefaultAdapters() map[Provider]WebhookAdapter {
	return map[Provider]WebhookAdapter{
		ProviderQuickBooks:     QuickBooksAdapter{},
		ProviderGoogleCalendar: GoogleCalendarAdapter{},
	}
}

type QuickBooksAdapter struct{}

func (QuickBooksAdapter) Provider() Provider {
	return ProviderQuickBooks
}

type quickBooksNotification struct {
	EventNotifications []struct {
		RealmID         string `json:"realmId"`
		DataChangeEvent struct {
			Entities []struct {
				Name        string `json:"name"`
				ID          string `json:"id"`
				Operation   string `json:"operation"`
				LastUpdated string `json:"lastUpdated"`
			} `json:"entities"`
		} `json:"dataChangeEvent"`
	} `json:"eventNotifications"`
}

// ParseEnvelope reads a data change notification. The notification only names
// the entity; the inbound component fetches its current state.
func (QuickBooksAdapter) ParseEnvelope(env Envelope) ([]RemoteChange, error) {
	var payload quickBooksNotification
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: quickbooks notification: %v", ErrInvalidInput, err)
	}
	if len(payload.EventNotifications) == 0 {
		return nil, fmt.Errorf("%w: quickbooks notification has no events", ErrInvalidInput)
	}
	var changes []RemoteChange
	for _, notification := range payload.EventNotifications {
		realm := strings.TrimSpace(notification.RealmID)
		if realm == "" {
			return nil, fmt.Errorf("%w: quickbooks notification without realmId", ErrInvalidInput)
		}
		for _, entity := range notification.DataChangeEvent.Entities {
			if strings.TrimSpace(entity.ID) == "" || strings.TrimSpace(entity.Name) == "" {
				continue
			}
			operation := ChangeUpsert
			switch strings.ToLower(entity.Operation) {
			case "delete", "void":
				operation = ChangeDelete
			}
			changes = append(changes, RemoteChange{
				Provider:   ProviderQuickBooks,
				AccountID:  realm,
				RemoteType: entity.Name,
				RemoteID:   entity.ID,
				Operation:  operation,
				ModifiedAt: parseProviderTime(entity.LastUpdated),
			})
		}
	}
	return changes, nil
}

// quickBooksRealms lists the realm ids named by a notification body.
func quickBooksRealms(payload json.RawMessage) []string {
	var decoded quickBooksNotification
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil
	}
	seen := map[string]struct{}{}
	var realms []string
	for _, notification := range decoded.EventNotifications {
		realm := strings.TrimSpace(notification.RealmID)
		if _, ok := seen[realm]; ok || realm == "" {
			continue
		}
		seen[realm] = struct{}{}
		realms = append(realms, realm)
	}
	return realms
}

const (
	HeaderGoogleChannelID     = "X-Goog-Channel-ID"
	HeaderGoogleChannelToken  = "X-Goog-Channel-Token"
	HeaderGoogleResourceState = "X-Goog-Resource-State"
	HeaderGoogleMessageNumber = "X-Goog-Message-Number"
)

// GoogleCalendarAdapter handles push channel notifications. They carry no
// event data, only the channel (which is the connection id), so every
// notification becomes a change feed poll.
type GoogleCalendarAdapter struct{}

func (GoogleCalendarAdapter) Provider() Provider {
	return ProviderGoogleCalendar
}

func (GoogleCalendarAdapter) ParseEnvelope(env Envelope) ([]RemoteChange, error) {
	channelID := headerValue(env.Headers, HeaderGoogleChannelID)
	if channelID == "" {
		return nil, fmt.Errorf("%w: google notification without channel id", ErrInvalidInput)
	}
	switch strings.ToLower(headerValue(env.Headers, HeaderGoogleResourceState)) {
	case "sync":
		// Sent once when the channel is created.
		return nil, nil
	case "exists", "not_exists":
		return []RemoteChange{{
			Provider:     ProviderGoogleCalendar,
			ConnectionID: channelID,
			RemoteType:   googleRemoteType,
			Operation:    ChangeFeedPoll,
		}}, nil
	default:
		return nil, fmt.Errorf("%w: google resource state %q", ErrInvalidInput, headerValue(env.Headers, HeaderGoogleResourceState))
	}
}

func headerValue(headers map[string]string, name string) string {
	if value, ok := headers[name]; ok {
		return strings.TrimSpace(value)
	}
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

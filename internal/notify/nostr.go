package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

const (
	relayBackoff    = time.Second
	relayMaxBackoff = 30 * time.Second
)

// NostrSender signs each event as a text note and publishes it to every
// connected relay. A send succeeds if at least one relay accepts it.
type NostrSender struct {
	relayURLs []string
	secretKey string
	pubkey    string
	logger    zerolog.Logger

	mu      sync.RWMutex
	relays  []*nostr.Relay
	backoff map[string]time.Duration
	retryAt map[string]time.Time
}

func NewNostrSender(relayURLs []string, secretKeyHex string, logger zerolog.Logger) (*NostrSender, error) {
	pubkey, err := nostr.GetPublicKey(secretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	return &NostrSender{
		relayURLs: relayURLs,
		secretKey: secretKeyHex,
		pubkey:    pubkey,
		logger:    logger.With().Str("component", "nostr").Logger(),
		backoff:   make(map[string]time.Duration),
		retryAt:   make(map[string]time.Time),
	}, nil
}

// Connect establishes connections to all configured relays.
func (s *NostrSender) Connect(ctx context.Context) error {
	var connected int
	for _, url := range s.relayURLs {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			s.logger.Warn().Err(err).Str("relay", url).Msg("failed to connect to relay")
			continue
		}

		s.mu.Lock()
		s.relays = append(s.relays, relay)
		s.mu.Unlock()

		connected++
		s.logger.Info().Str("relay", url).Msg("connected to relay")
	}

	if connected == 0 {
		return fmt.Errorf("failed to connect to any relays")
	}
	return nil
}

// Note builds the signed text note for evt.
func (s *NostrSender) Note(evt Event) (nostr.Event, error) {
	content, err := evt.Encode()
	if err != nil {
		return nostr.Event{}, err
	}

	note := nostr.Event{
		PubKey:    s.pubkey,
		CreatedAt: nostr.Timestamp(evt.Timestamp.Unix()),
		Kind:      nostr.KindTextNote,
		Tags: nostr.Tags{
			{"subject", evt.Subject},
			{"t", evt.EventType},
			{"d", evt.OrderID},
		},
		Content: string(content),
	}
	if err := note.Sign(s.secretKey); err != nil {
		return nostr.Event{}, fmt.Errorf("signing note: %w", err)
	}
	return note, nil
}

func (s *NostrSender) Send(ctx context.Context, evt Event) error {
	note, err := s.Note(evt)
	if err != nil {
		return err
	}

	s.mu.RLock()
	relays := make([]*nostr.Relay, len(s.relays))
	copy(relays, s.relays)
	s.mu.RUnlock()

	var lastErr error
	var published int

	for _, relay := range relays {
		if !relay.IsConnected() {
			s.reconnect(ctx, relay)
		}
		if err := relay.Publish(ctx, note); err != nil {
			lastErr = err
			s.logger.Warn().Err(err).Str("relay", relay.URL).Msg("publish failed")
			continue
		}
		published++
	}

	if published == 0 {
		if lastErr == nil {
			return fmt.Errorf("no relays connected")
		}
		return fmt.Errorf("failed to publish to any relay: %w", lastErr)
	}
	return nil
}

// reconnect retries a dropped relay no more often than its backoff allows.
func (s *NostrSender) reconnect(ctx context.Context, relay *nostr.Relay) {
	s.mu.Lock()
	if time.Now().Before(s.retryAt[relay.URL]) {
		s.mu.Unlock()
		return
	}
	backoff := s.backoff[relay.URL]
	if backoff == 0 {
		backoff = relayBackoff
	}
	s.mu.Unlock()

	err := relay.Connect(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.logger.Warn().Err(err).Str("relay", relay.URL).Dur("backoff", backoff).Msg("reconnect failed")
		s.retryAt[relay.URL] = time.Now().Add(backoff)
		backoff *= 2
		if backoff > relayMaxBackoff {
			backoff = relayMaxBackoff
		}
		s.backoff[relay.URL] = backoff
		return
	}
	s.logger.Info().Str("relay", relay.URL).Msg("reconnected to relay")
	delete(s.backoff, relay.URL)
	delete(s.retryAt, relay.URL)
}

func (s *NostrSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, relay := range s.relays {
		_ = relay.Close()
	}
	s.relays = nil
	return nil
}

// PublicKey returns the hex public key events are signed with.
func (s *NostrSender) PublicKey() string {
	return s.pubkey
}

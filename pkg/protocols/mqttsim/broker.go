package mqttsim

import (
	"fmt"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
)

// Broker is an in-process MQTT broker used when use_embedded_broker is set,
// so the simulator needs no external infrastructure.
type Broker struct {
	port int
	log  zerolog.Logger
	srv  *mochi.Server
}

// NewBroker builds a broker bound to the given TCP port.
func NewBroker(port int, log zerolog.Logger) *Broker {
	return &Broker{
		port: port,
		log:  log.With().Str("component", "mqtt-broker").Logger(),
	}
}

// Start brings the broker up with anonymous auth.
func (b *Broker) Start() error {
	srv := mochi.New(&mochi.Options{})
	if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("configure broker auth: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "plantsim-broker",
		Address: fmt.Sprintf(":%d", b.port),
	})
	if err := srv.AddListener(tcp); err != nil {
		return fmt.Errorf("bind broker on port %d: %w", b.port, err)
	}

	go func() {
		if err := srv.Serve(); err != nil {
			b.log.Error().Err(err).Msg("embedded broker exited")
		}
	}()

	b.srv = srv
	b.log.Info().Int("port", b.port).Msg("embedded mqtt broker started")
	return nil
}

// Stop shuts the broker down.
func (b *Broker) Stop() {
	if b.srv == nil {
		return
	}
	if err := b.srv.Close(); err != nil {
		b.log.Warn().Err(err).Msg("error closing embedded broker")
	}
	b.srv = nil
	b.log.Info().Msg("embedded mqtt broker stopped")
}

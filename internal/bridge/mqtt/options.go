package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultOperationTimeout  = 5 * time.Second
	defaultDisconnectQuiesce = 500 // milliseconds
	defaultKeepAlive         = 60 * time.Second

	maxQoS = 2

	// Availability payloads understood by Home Assistant.
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Options configures the broker connection.
type Options struct {
	Host     string
	Port     int
	TLS      bool
	ClientID string // a random id is generated when empty
	Username string
	Password string
	QoS      byte

	// AvailabilityTopic receives a retained "online" on every connect and is
	// the last-will topic carrying "offline". Empty disables both.
	AvailabilityTopic string

	ConnectTimeout       time.Duration
	MaxReconnectInterval time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Host:                 "localhost",
		Port:                 1883,
		QoS:                  1,
		ConnectTimeout:       defaultConnectTimeout,
		MaxReconnectInterval: time.Minute,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Host == "" {
		o.Host = def.Host
	}
	if o.Port == 0 {
		o.Port = def.Port
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if o.ClientID == "" {
		o.ClientID = "plejd-mqtt-" + uuid.NewString()[:8]
	}
	return o
}

// BrokerURL returns the scheme://host:port the client dials.
func (o Options) BrokerURL() string {
	scheme := "tcp"
	if o.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port)
}

func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(o.BrokerURL())
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	// Subscriptions are tracked here and restored in the connect handler.
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.SetMaxReconnectInterval(o.MaxReconnectInterval)
	opts.SetConnectTimeout(o.ConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if o.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if o.AvailabilityTopic != "" {
		opts.SetWill(o.AvailabilityTopic, PayloadOffline, o.QoS, true)
	}
	return opts
}

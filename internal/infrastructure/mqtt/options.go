package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/delmic/odemis-sub009/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	ackTimeout     = 5 * time.Second
	keepAlive      = 60 * time.Second

	// quiesceMS is how long Disconnect lets in-flight work finish.
	quiesceMS = 1000

	maxQoS        = 2
	tlsMinVersion = tls.VersionTLS12
)

// Process status reasons carried by the status topic.
const (
	reasonShutdown   = "graceful_shutdown"
	reasonDisconnect = "unexpected_disconnect"
)

// buildClientOptions translates the configuration into paho options. The
// session is clean and reconnection automatic, with the configured backoff.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}

// configureLWT makes the broker mark the process offline, retained, if its
// connection drops without Close.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	payload := StatusPayload("offline", clientID, reasonDisconnect)
	opts.SetWill(Topics{}.ProcessStatus(clientID), payload, 1, true)
}

// StatusPayload is the JSON document of a status topic. An empty reason is
// left out.
func StatusPayload(status, id, reason string) string {
	now := time.Now().UTC().Format(time.RFC3339)
	if reason == "" {
		return fmt.Sprintf(`{"status":%q,"id":%q,"timestamp":%q}`, status, id, now)
	}
	return fmt.Sprintf(`{"status":%q,"id":%q,"reason":%q,"timestamp":%q}`, status, id, reason, now)
}

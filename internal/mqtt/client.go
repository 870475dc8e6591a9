package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Publish before the first successful Connect
// or while paho is reconnecting.
var ErrNotConnected = errors.New("MQTT client not connected")

// MessageHandler receives messages on subscribed topics.
type MessageHandler func(topic string, payload []byte)

// Options tune the broker session. Zero values pick the defaults.
type Options struct {
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	QoS            byte
	// SubscribeTopic is (re)subscribed on every connect when set.
	SubscribeTopic string
	// WillTopic gets a retained "offline" will when set.
	WillTopic string
}

// Client wraps the paho client. Unlike a plain paho client it does not
// connect on construction: the broker retry machine calls Connect.
type Client struct {
	opts   *mqtt.ClientOptions
	cfg    Options
	broker string
	logger *logrus.Logger

	mu      sync.RWMutex
	client  mqtt.Client
	handler MessageHandler
	session atomic.Uint64

	// newClient is swapped in tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// NewClient parses the broker URL and prepares the session options. It
// supports ws, wss, mqtt and mqtts schemes.
func NewClient(mqttURL string, o Options, logger *logrus.Logger) (*Client, error) {
	parsedURL, err := url.Parse(mqttURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT URL: %w", err)
	}

	if o.ClientID == "" {
		o.ClientID = "powermon"
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 60 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Second
	}

	opts := mqtt.NewClientOptions()

	var brokerURL string
	switch parsedURL.Scheme {
	case "ws":
		brokerURL = mqttURL
		logger.Debug("Using WebSocket MQTT connection")
	case "wss":
		brokerURL = mqttURL
		logger.Debug("Using secure WebSocket MQTT connection")
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	case "mqtt":
		brokerURL = strings.Replace(mqttURL, "mqtt://", "tcp://", 1)
		logger.Debug("Using standard MQTT connection (TCP)")
	case "mqtts":
		brokerURL = strings.Replace(mqttURL, "mqtts://", "ssl://", 1)
		logger.Debug("Using secure MQTT connection (SSL/TLS)")
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	default:
		return nil, fmt.Errorf("unsupported protocol scheme: %s (supported: ws, wss, mqtt, mqtts)", parsedURL.Scheme)
	}

	opts.AddBroker(brokerURL)
	opts.SetClientID(o.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(o.KeepAlive)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetConnectTimeout(o.ConnectTimeout)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetOrderMatters(false)

	if parsedURL.User != nil {
		username := parsedURL.User.Username()
		password, _ := parsedURL.User.Password()
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	if o.WillTopic != "" {
		opts.SetWill(o.WillTopic, "offline", 1, true)
	}

	c := &Client{
		opts:      opts,
		cfg:       o,
		broker:    cleanURL(mqttURL),
		logger:    logger,
		newClient: mqtt.NewClient,
	}

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
		c.dispatch(m.Topic(), m.Payload())
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Debug("MQTT reconnecting...")
	})
	opts.SetOnConnectHandler(func(cl mqtt.Client) {
		c.session.Add(1)
		logger.Debug("MQTT session established")
		if o.SubscribeTopic != "" {
			// Runs on paho's goroutine, so waiting here does not stall the tick.
			tok := cl.Subscribe(o.SubscribeTopic, o.QoS, nil)
			if !tok.WaitTimeout(o.ConnectTimeout) || tok.Error() != nil {
				logger.WithError(tok.Error()).WithField("topic", o.SubscribeTopic).Warn("MQTT subscribe failed")
			}
		}
	})

	return c, nil
}

// SetMessageHandler installs the callback for incoming messages.
func (c *Client) SetMessageHandler(fn MessageHandler) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *Client) dispatch(topic string, payload []byte) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h != nil {
		h(topic, payload)
	}
}

// Connect opens a broker session. It is a no-op when already connected. Once
// a session has been established paho's auto-reconnect keeps it alive.
func (c *Client) Connect(ctx context.Context, cleanSession bool) error {
	if c.IsConnected() {
		return nil
	}

	c.opts.SetCleanSession(cleanSession)
	cl := c.newClient(c.opts)

	tok := cl.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		cl.Disconnect(0)
		return fmt.Errorf("failed to connect to MQTT broker: %w", ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.mu.Lock()
	old := c.client
	c.client = cl
	c.mu.Unlock()
	if old != nil {
		old.Disconnect(0)
	}

	c.logger.WithFields(logrus.Fields{
		"broker":        c.broker,
		"client_id":     c.cfg.ClientID,
		"clean_session": cleanSession,
	}).Info("MQTT client connected")
	return nil
}

// Publish publishes payload on topic, bounded by the publish timeout.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()
	if cl == nil || !cl.IsConnectionOpen() {
		return fmt.Errorf("publish to topic %s: %w", topic, ErrNotConnected)
	}

	token := cl.Publish(topic, c.cfg.QoS, retained, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %s", topic, c.cfg.PublishTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"size":     len(payload),
		"retained": retained,
	}).Debug("Published MQTT message")
	return nil
}

// Session counts established broker sessions, including paho reconnects.
func (c *Client) Session() uint64 { return c.session.Load() }

// IsConnected reports whether a session is currently open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()
	return cl != nil && cl.IsConnectionOpen()
}

// Disconnect closes the session, waiting up to quiesce milliseconds.
func (c *Client) Disconnect(quiesce uint) {
	c.mu.Lock()
	cl := c.client
	c.client = nil
	c.mu.Unlock()
	if cl != nil {
		cl.Disconnect(quiesce)
		c.logger.Debug("MQTT client disconnected")
	}
}

// cleanURL removes credentials from URL for logging
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return parsed.Redacted()
}

// BuildCleanTopic ensures topic follows MQTT standards
func BuildCleanTopic(parts ...string) string {
	var cleanParts []string
	for _, part := range parts {
		if part == "" {
			continue
		}
		clean := strings.ReplaceAll(part, " ", "_")
		clean = strings.ReplaceAll(clean, "+", "plus")
		clean = strings.ReplaceAll(clean, "#", "hash")
		cleanParts = append(cleanParts, clean)
	}
	return strings.Join(cleanParts, "/")
}

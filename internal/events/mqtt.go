package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/trapmos/trapmos-alerts/internal/logging"
)

// MQTTConfig describes the broker subscription.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Topic          string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// mqttClient is the part of mqtt.Client the source uses.
type mqttClient interface {
	Connect() mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSource subscribes to a broker topic carrying detection documents.
type MQTTSource struct {
	cfg       MQTTConfig
	logger    *zap.Logger
	newClient func(*mqtt.ClientOptions) mqttClient
}

// NewMQTTSource creates an MQTT source. Connection happens in Run.
func NewMQTTSource(cfg MQTTConfig, logger *zap.Logger) (*MQTTSource, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &MQTTSource{
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("mqtt"),
		newClient: func(opts *mqtt.ClientOptions) mqttClient {
			return mqtt.NewClient(opts)
		},
	}, nil
}

// Name implements Source.
func (s *MQTTSource) Name() string { return "mqtt" }

// Run connects, subscribes and blocks until ctx is done. The subscription is
// renewed on every reconnect.
func (s *MQTTSource) Run(ctx context.Context, h Handler) error {
	var client mqttClient

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetUsername(s.cfg.Username)
	opts.SetPassword(s.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		s.logger.Info("connected to broker", zap.String("broker", s.cfg.Broker))
		s.subscribe(ctx, client, h)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("connection to broker lost", zap.String("broker", s.cfg.Broker), zap.Error(err))
	})

	client = s.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection error: %w", err)
	}

	<-ctx.Done()
	client.Disconnect(250)
	s.logger.Info("disconnected from broker")
	return nil
}

func (s *MQTTSource) subscribe(ctx context.Context, client mqttClient, h Handler) {
	token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(ctx, h, msg)
	})
	if !token.WaitTimeout(10 * time.Second) {
		s.logger.Error("subscribe timeout", zap.String("topic", s.cfg.Topic))
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error("subscribe failed", zap.String("topic", s.cfg.Topic), zap.Error(err))
		return
	}
	s.logger.Info("subscribed", zap.String("topic", s.cfg.Topic), zap.Uint8("qos", s.cfg.QoS))
}

func (s *MQTTSource) handleMessage(ctx context.Context, h Handler, msg mqtt.Message) {
	det, err := Decode(msg.Payload())
	if err != nil {
		s.logger.Warn("dropping undecodable message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	if err := h(ctx, det); err != nil {
		s.logger.Warn("detection trigger rejected", zap.String("topic", msg.Topic()), zap.String("detection_id", det.ID), zap.Error(err))
	}
}

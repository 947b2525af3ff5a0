package command

import (
	"fmt"
	"strings"

	"github.com/quantfolio/go-brokers/core"
)

const (
	TypeConnect          = "brokers.command.connect"
	TypeCompleteCallback = "brokers.command.callback.complete"
	TypeRefresh          = "brokers.command.refresh"
	TypeDisconnect       = "brokers.command.disconnect"
	TypeRefreshSweep     = "brokers.command.refresh.sweep"
)

type ConnectMessage struct {
	Request core.ConnectRequest
}

func (ConnectMessage) Type() string { return TypeConnect }

func (m ConnectMessage) Validate() error {
	if strings.TrimSpace(m.Request.UserID) == "" {
		return fmt.Errorf("command: user id is required")
	}
	if err := validateBroker(m.Request.Broker); err != nil {
		return err
	}
	return nil
}

type CompleteCallbackMessage struct {
	Request core.CompleteAuthRequest
}

func (CompleteCallbackMessage) Type() string { return TypeCompleteCallback }

func (m CompleteCallbackMessage) Validate() error {
	if strings.TrimSpace(m.Request.State) == "" {
		return fmt.Errorf("command: oauth state is required")
	}
	if strings.TrimSpace(m.Request.Code) == "" {
		return fmt.Errorf("command: authorization code is required")
	}
	return nil
}

type RefreshMessage struct {
	Request core.RefreshRequest
}

func (RefreshMessage) Type() string { return TypeRefresh }

func (m RefreshMessage) Validate() error {
	if strings.TrimSpace(m.Request.ConnectionID) == "" {
		return fmt.Errorf("command: connection id is required")
	}
	return nil
}

type DisconnectMessage struct {
	UserID       string
	ConnectionID string
}

func (DisconnectMessage) Type() string { return TypeDisconnect }

func (m DisconnectMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("command: user id is required")
	}
	if strings.TrimSpace(m.ConnectionID) == "" {
		return fmt.Errorf("command: connection id is required")
	}
	return nil
}

type RefreshSweepMessage struct{}

func (RefreshSweepMessage) Type() string { return TypeRefreshSweep }

func (RefreshSweepMessage) Validate() error { return nil }

func validateBroker(broker core.BrokerType) error {
	if err := broker.Validate(); err != nil {
		return fmt.Errorf("command: %w", err)
	}
	return nil
}

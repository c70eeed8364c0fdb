package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType identifies a push channel envelope.
type MessageType string

const (
	MsgDeploymentCreated        MessageType = "deployment_created"
	MsgDeploymentStatusChanged  MessageType = "deployment_status_changed"
	MsgDeploymentURLRetrieved   MessageType = "deployment_url_retrieved"
	MsgLocalServerStatusChanged MessageType = "local_server_status_changed"
	MsgLocalServerHealthCheck   MessageType = "local_server_health_check"
)

// Message is one of the closed set of push channel variants below. The
// unexported marker keeps the set closed to this package.
type Message interface {
	Type() MessageType
	isMessage()
}

// DeploymentCreated announces a new deployment.
type DeploymentCreated struct {
	DeploymentID string   `json:"deploymentId"`
	Deployment   Resource `json:"deployment"`
}

// DeploymentStatusChanged carries a provider status transition.
type DeploymentStatusChanged struct {
	DeploymentID string `json:"deploymentId"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
}

// DeploymentURLRetrieved carries the public endpoint once allocated.
type DeploymentURLRetrieved struct {
	DeploymentID string `json:"deploymentId"`
	URL          string `json:"url"`
}

// LocalServerStatusChanged carries a local server status transition.
type LocalServerStatusChanged struct {
	ServerID string `json:"serverId"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

// LocalServerHealthCheck carries the result of a server-side liveness probe.
type LocalServerHealthCheck struct {
	ServerID  string `json:"serverId"`
	IsHealthy bool   `json:"isHealthy"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UnknownMessage is an envelope whose type this client does not handle.
type UnknownMessage struct {
	Kind string
	Raw  json.RawMessage
}

func (DeploymentCreated) Type() MessageType        { return MsgDeploymentCreated }
func (DeploymentStatusChanged) Type() MessageType  { return MsgDeploymentStatusChanged }
func (DeploymentURLRetrieved) Type() MessageType   { return MsgDeploymentURLRetrieved }
func (LocalServerStatusChanged) Type() MessageType { return MsgLocalServerStatusChanged }
func (LocalServerHealthCheck) Type() MessageType   { return MsgLocalServerHealthCheck }
func (m UnknownMessage) Type() MessageType         { return MessageType(m.Kind) }

func (DeploymentCreated) isMessage()        {}
func (DeploymentStatusChanged) isMessage()  {}
func (DeploymentURLRetrieved) isMessage()   {}
func (LocalServerStatusChanged) isMessage() {}
func (LocalServerHealthCheck) isMessage()   {}
func (UnknownMessage) isMessage()           {}

type envelope struct {
	Type string `json:"type"`
}

// ParseMessage decodes a push channel payload into its variant. Unknown
// types decode to UnknownMessage without error; malformed JSON and known
// types missing their target ID are errors.
func ParseMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	switch MessageType(env.Type) {
	case MsgDeploymentCreated:
		var msg DeploymentCreated
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		if msg.Deployment.ID == "" {
			msg.Deployment.ID = msg.DeploymentID
		}
		if msg.DeploymentID == "" {
			msg.DeploymentID = msg.Deployment.ID
		}
		return msg, requireID(env.Type, msg.DeploymentID)

	case MsgDeploymentStatusChanged:
		var msg DeploymentStatusChanged
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return msg, requireID(env.Type, msg.DeploymentID)

	case MsgDeploymentURLRetrieved:
		var msg DeploymentURLRetrieved
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return msg, requireID(env.Type, msg.DeploymentID)

	case MsgLocalServerStatusChanged:
		var msg LocalServerStatusChanged
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return msg, requireID(env.Type, msg.ServerID)

	case MsgLocalServerHealthCheck:
		var msg LocalServerHealthCheck
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return msg, requireID(env.Type, msg.ServerID)

	default:
		return UnknownMessage{Kind: env.Type, Raw: json.RawMessage(data)}, nil
	}
}

func requireID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("parse %s: missing target id", kind)
	}
	return nil
}

// Package config loads a component's configuration bundle from a JSON
// document, matching the original ZMQTransport.hpp's two entry points
// (from a file path, or from an already-parsed document).
/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package config

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/aogaki/delila2/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SocketBundle mirrors transport.SocketConfig in a form that round-trips
// through JSON with lowercase string pattern/role names.
type SocketBundle struct {
	Address string `json:"address"`
	Pattern string `json:"pattern"` // "fan-out" | "load-balance" | "req-rep" | "pair"
	Role    string `json:"role"`    // "bind" | "connect"
}

// Bundle is the on-disk shape of one component's configuration: transport
// addressing plus component-specific parameters the caller decodes the
// Params document into separately.
type Bundle struct {
	ComponentID string          `json:"component_id"`
	Data        SocketBundle    `json:"data"`
	Status      SocketBundle    `json:"status"`
	Command     SocketBundle    `json:"command"`
	Params      jsoniter.RawMessage `json:"params,omitempty"`
}

// ConfigureFromFile reads path and parses it as a Bundle.
func ConfigureFromFile(path string) (*Bundle, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	return ConfigureFromJSON(buf)
}

// ConfigureFromJSON parses an already-in-memory JSON document as a Bundle.
func ConfigureFromJSON(buf []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(buf, &b); err != nil {
		return nil, errors.Wrap(err, "config: parse bundle")
	}
	return &b, nil
}

// TransportConfig converts the JSON-friendly SocketBundles into a
// transport.Config ready for Transport.Configure.
func (b *Bundle) TransportConfig() (transport.Config, error) {
	data, err := toSocketConfig(b.Data)
	if err != nil {
		return transport.Config{}, errors.Wrap(err, "config: data socket")
	}
	status, err := toSocketConfig(b.Status)
	if err != nil {
		return transport.Config{}, errors.Wrap(err, "config: status socket")
	}
	command, err := toSocketConfig(b.Command)
	if err != nil {
		return transport.Config{}, errors.Wrap(err, "config: command socket")
	}
	return transport.Config{Data: data, Status: status, Command: command}, nil
}

func toSocketConfig(sb SocketBundle) (transport.SocketConfig, error) {
	if sb.Address == "" {
		return transport.SocketConfig{}, nil
	}
	pattern, err := parsePattern(sb.Pattern)
	if err != nil {
		return transport.SocketConfig{}, err
	}
	role, err := parseRole(sb.Role)
	if err != nil {
		return transport.SocketConfig{}, err
	}
	return transport.SocketConfig{Address: sb.Address, Pattern: pattern, Role: role}, nil
}

func parsePattern(s string) (transport.Pattern, error) {
	switch s {
	case "fan-out":
		return transport.PatternFanOut, nil
	case "load-balance":
		return transport.PatternLoadBalance, nil
	case "req-rep":
		return transport.PatternReqRep, nil
	case "pair":
		return transport.PatternPair, nil
	default:
		return 0, errors.Errorf("config: unknown pattern %q", s)
	}
}

func parseRole(s string) (transport.Role, error) {
	switch s {
	case "bind":
		return transport.RoleBind, nil
	case "connect":
		return transport.RoleConnect, nil
	default:
		return 0, errors.Errorf("config: unknown role %q", s)
	}
}

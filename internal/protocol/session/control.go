package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/tlvrelay/internal/protocol/schema"
)

const (
	controlTypeHello    = "relay.hello"
	controlTypeHelloAck = "relay.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 16 * 1024
)

// Ack codes carried by a rejected HelloAck.
const (
	AckCodeOK             uint32 = 0
	AckCodeDomainMismatch uint32 = 1
	AckCodeBadRole        uint32 = 2
	AckCodeShuttingDown   uint32 = 3
	AckCodeUnauthorized   uint32 = 4
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Role declares what a connection does on a domain socket.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
	RoleBoth     Role = "both"
)

func (r Role) Produces() bool { return r == RoleProducer || r == RoleBoth }
func (r Role) Consumes() bool { return r == RoleConsumer || r == RoleBoth }

func (r Role) Valid() bool {
	switch r {
	case RoleProducer, RoleConsumer, RoleBoth:
		return true
	default:
		return false
	}
}

// Hello is the first line a client writes after connecting. An empty
// ClientID asks the relay to assign one.
type Hello struct {
	ClientID string        `json:"client_id,omitempty"`
	Role     Role          `json:"role"`
	Domain   schema.Domain `json:"domain"`
	Source   schema.Source `json:"source,omitempty"`
	// Token authenticates producers on relays that require it.
	Token string `json:"token,omitempty"`
}

func (h Hello) Validate() error {
	if !h.Role.Valid() {
		return fmt.Errorf("%w: invalid role %q", ErrInvalidHello, h.Role)
	}
	if !h.Domain.Valid() {
		return fmt.Errorf("%w: invalid domain %d", ErrInvalidHello, h.Domain)
	}
	if len(h.ClientID) > 255 {
		return fmt.Errorf("%w: client_id longer than 255 bytes", ErrInvalidHello)
	}
	return nil
}

// HelloAck is the relay's answer. NextSequence is the sequence the relay
// will stamp on the next message it delivers to this client.
type HelloAck struct {
	Status       string        `json:"status"`
	Code         uint32        `json:"code"`
	Message      string        `json:"message,omitempty"`
	ClientID     string        `json:"client_id"`
	ConnectionID string        `json:"connection_id"`
	Domain       schema.Domain `json:"domain"`
	NextSequence uint64        `json:"next_sequence"`
	TimestampMS  uint64        `json:"timestamp_ms"`
}

func (a HelloAck) Accepted() bool { return a.Status == AckStatusAccepted }

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if status == AckStatusAccepted && strings.TrimSpace(a.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHello, Hello: &h})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHello, env.Type)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHelloAck, Ack: &ack})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHelloAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

// readControlEnvelope reads one JSON line. It stops at maxControlLine so a
// peer that skips the handshake and streams binary frames is rejected early.
func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return controlEnvelope{}, ErrControlMessageTooLarge
		}
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return controlEnvelope{}, err
		}
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}

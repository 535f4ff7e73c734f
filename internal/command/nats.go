package command

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix 指令主题前缀，完整主题为 <prefix>.<vehicle_id>
const DefaultSubjectPrefix = "fleetmap.commands"

// reply 车辆端回复
type reply struct {
	RequestID string    `json:"request_id"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	AckedAt   time.Time `json:"acked_at"`
}

// Subject 车辆的指令主题，车辆 ID 以十六进制编码为单个 token，不同 ID 不会共用主题
func Subject(prefix, vehicleID string) string {
	return prefix + "." + hex.EncodeToString([]byte(vehicleID))
}

// VehicleFromSubject 从指令主题还原车辆 ID
func VehicleFromSubject(prefix, subject string) (string, error) {
	token, ok := strings.CutPrefix(subject, prefix+".")
	if !ok || token == "" || strings.Contains(token, ".") {
		return "", fmt.Errorf("subject %q is not under %s", subject, prefix)
	}
	id, err := hex.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode subject %q: %w", subject, err)
	}
	return string(id), nil
}

// NATSDispatcher 通过 NATS request/reply 下发指令
type NATSDispatcher struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewNATSDispatcher 创建 NATS 下发器
func NewNATSDispatcher(nc *nats.Conn, prefix string, timeout time.Duration, logger *zap.Logger) *NATSDispatcher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSDispatcher{nc: nc, prefix: prefix, timeout: timeout, logger: logger}
}

// Name 下发器名称
func (d *NATSDispatcher) Name() string {
	return "nats"
}

// Dispatch 发送请求并等待车辆端回复
func (d *NATSDispatcher) Dispatch(ctx context.Context, req Request) (*Ack, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	subject := Subject(d.prefix, req.VehicleID)
	msg, err := d.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no responder on %s: %w", subject, err)
		}
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}

	var r reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if !r.OK {
		return nil, fmt.Errorf("vehicle rejected command: %s", r.Error)
	}
	if r.RequestID != req.ID {
		d.logger.Warn("Reply for a different request",
			zap.String("expected", req.ID),
			zap.String("got", r.RequestID),
		)
	}

	ackedAt := r.AckedAt
	if ackedAt.IsZero() {
		ackedAt = time.Now()
	}
	return &Ack{
		RequestID: req.ID,
		VehicleID: req.VehicleID,
		Kind:      req.Kind,
		SentAt:    req.SentAt,
		AckedAt:   ackedAt,
	}, nil
}

// Serve 在 NATS 上应答指令请求，用给定下发器处理 (车辆端/演示环境)
func Serve(ctx context.Context, nc *nats.Conn, prefix string, d Dispatcher, logger *zap.Logger) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sub, err := nc.Subscribe(prefix+".*", func(msg *nats.Msg) {
		var req Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			logger.Warn("Invalid command request", zap.String("subject", msg.Subject), zap.Error(err))
			respond(msg, reply{OK: false, Error: "invalid request"}, logger)
			return
		}
		if id, err := VehicleFromSubject(prefix, msg.Subject); err != nil || id != req.VehicleID {
			logger.Warn("Command subject does not match vehicle",
				zap.String("subject", msg.Subject),
				zap.String("vehicle_id", req.VehicleID),
			)
			respond(msg, reply{RequestID: req.ID, OK: false, Error: "vehicle mismatch"}, logger)
			return
		}

		// 每个请求单独处理，不阻塞订阅回调
		go func() {
			ack, err := d.Dispatch(ctx, req)
			if err != nil {
				respond(msg, reply{RequestID: req.ID, OK: false, Error: err.Error()}, logger)
				return
			}
			respond(msg, reply{RequestID: req.ID, OK: true, AckedAt: ack.AckedAt}, logger)
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.*: %w", prefix, err)
	}
	return sub, nil
}

func respond(msg *nats.Msg, r reply, logger *zap.Logger) {
	data, err := json.Marshal(r)
	if err != nil {
		logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		logger.Warn("Failed to send reply", zap.Error(err))
	}
}

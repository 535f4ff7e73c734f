package models

import "errors"

// CommandKind 车辆远程指令类型
type CommandKind string

const (
	CommandLock   CommandKind = "LOCK"
	CommandUnlock CommandKind = "UNLOCK"
)

// Valid 是否为支持的指令
func (k CommandKind) Valid() bool {
	return k == CommandLock || k == CommandUnlock
}

// ErrInvalidCommand 不支持的指令类型
var ErrInvalidCommand = errors.New("invalid command kind")

// Prompt 确认提示文案
func (k CommandKind) Prompt() string {
	if k == CommandLock {
		return "Lock vehicle?"
	}
	return "Confirm unlock?"
}

// SentMessage 指令成功后的反馈文案
func (k CommandKind) SentMessage() string {
	if k == CommandLock {
		return "Lock sent!"
	}
	return "Unlock sent!"
}

package session

import (
	"errors"

	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/policy"
	"github.com/ent0n29/agentbridge/internal/protocol"
	"github.com/ent0n29/agentbridge/internal/reliability"
	"github.com/ent0n29/agentbridge/internal/store"
)

const logPreviewRunes = 160

// dispatch decodes one control message and applies it to the store.
// Malformed payloads are logged, counted and dropped; unknown types are
// ignored.
func (o *Orchestrator) dispatch(sess *activeSession, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedType) {
			o.logger.Debug("ignoring unsupported control message", zap.String("type", string(msg.MessageType())))
			if o.metrics != nil {
				o.metrics.ControlMessages.WithLabelValues("inbound", "unsupported").Inc()
			}
			return
		}
		o.logger.Warn("dropping malformed control message",
			zap.Error(err),
			zap.String("payload", policy.ForLog(string(raw), logPreviewRunes)),
		)
		if o.metrics != nil {
			o.metrics.DecodeErrors.Inc()
			o.metrics.Errors.WithLabelValues(string(reliability.CategoryDecode)).Inc()
		}
		return
	}
	if o.metrics != nil {
		o.metrics.ControlMessages.WithLabelValues("inbound", string(msg.MessageType())).Inc()
	}

	var notify error
	o.mu.Lock()
	if !o.currentLocked(sess) {
		o.mu.Unlock()
		return
	}
	switch m := msg.(type) {
	case protocol.AgentState:
		o.store.SetAgentState(string(m.State))
	case protocol.AgentVolume:
		if !sess.monitoringLocked() {
			o.store.SetOutputVolume(m.Volume)
		}
	case protocol.Transcript:
		o.store.AppendMessage(store.Role(m.Role()), m.Text)
		o.logger.Debug("transcript",
			zap.String("role", m.Role()),
			zap.String("text", policy.ForLog(m.Text, logPreviewRunes)),
		)
	case protocol.ToolCall:
		if _, err := o.store.AddToolCall(m.CallID, m.Name, m.Arguments); err != nil {
			o.logger.Debug("tool call not recorded", zap.String("call_id", m.CallID), zap.Error(err))
		}
	case protocol.ToolUpdate:
		o.applyToolUpdateLocked(m)
	case protocol.ErrorMessage:
		o.store.SetError(m.Message)
		notify = errors.New(m.Message)
	}
	o.mu.Unlock()

	if notify != nil {
		o.logger.Warn("agent reported error", zap.String("message", policy.ForLog(notify.Error(), logPreviewRunes)))
		if cb := o.callbacks.OnError; cb != nil {
			cb(notify)
		}
	}
}

// applyToolUpdateLocked moves a tool call forward. Updates for unknown calls
// and non-forward transitions are no-ops.
func (o *Orchestrator) applyToolUpdateLocked(m protocol.ToolUpdate) {
	var status store.ToolStatus
	switch m.Type {
	case protocol.TypeToolExecuting:
		status = store.ToolExecuting
	case protocol.TypeToolCompleted:
		status = store.ToolCompleted
	case protocol.TypeToolError:
		status = store.ToolError
	default:
		return
	}
	if _, err := o.store.UpdateToolCall(m.CallID, status, m.Payload); err != nil {
		o.logger.Debug("tool update ignored",
			zap.String("call_id", m.CallID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

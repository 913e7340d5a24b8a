package http

import (
	"encoding/json"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

func inboundToCommand(inbound proto.Inbound) (*core.Command, *proto.Error) {
	var kind core.CommandKind
	switch inbound.Type {
	case proto.InboundTypeJoinChat:
		kind = core.CommandJoinRoom
	case proto.InboundTypeLeaveChat:
		kind = core.CommandLeaveRoom
	case proto.InboundTypeHello:
		return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "already introduced"}
	default:
		return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "unknown message type"}
	}

	var data proto.ChatData
	if err := json.Unmarshal(inbound.Data, &data); err != nil {
		return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "invalid data"}
	}
	if data.ChatID == "" {
		return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "chatId is required"}
	}
	return &core.Command{Kind: kind, Room: data.ChatID}, nil
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventChatUpdate:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventChatUpdate,
			Data:  proto.EncodeUpdate(*event.Update),
		}
	case core.EventError:
		if event.Error == nil {
			return errorOutbound(core.ErrCodeInternal, "unknown error")
		}
		return errorOutbound(event.Error.Code, event.Error.Message)
	default:
		return errorOutbound(core.ErrCodeInternal, "unknown event")
	}
}

func errorOutbound(code, msg string) proto.Outbound {
	return proto.Outbound{
		Type:  proto.OutboundTypeError,
		Error: &proto.Error{Code: code, Msg: msg},
	}
}

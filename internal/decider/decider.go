// Package decider decides whether the agent should answer a message without
// calling a model whenever the answer is obvious.
package decider

import (
	"strings"

	"github.com/user/parley/internal/types"
)

// Input is what the decision depends on.
type Input struct {
	HasRoom     bool
	ChannelType types.ChannelType
	Source      string
	IsMention   bool
	IsReply     bool
	Autonomous  bool
}

// Policy holds operator overrides.
type Policy struct {
	AllowedChannelTypes []types.ChannelType
	AllowedSources      []string
	AlwaysRespond       bool
}

// Decision is the deterministic outcome. When SkipEvaluation is false the
// caller must escalate to a model call.
type Decision struct {
	ShouldRespond  bool
	SkipEvaluation bool
	Reason         string
}

const (
	ReasonNoRoom        = "no room context"
	ReasonAutonomous    = "autonomous message"
	ReasonPrivate       = "private channel"
	ReasonAllowedType   = "allowed channel type"
	ReasonAllowedSource = "allowed source"
	ReasonMention       = "mentioned"
	ReasonReply         = "reply to agent"
	ReasonAlwaysRespond = "always respond"
	ReasonNeedsLLM      = "needs inference evaluation"
)

// Decide applies the rules in order; the first match wins.
func Decide(in Input, p Policy) Decision {
	if in.Autonomous {
		return Decision{ShouldRespond: true, SkipEvaluation: true, Reason: ReasonAutonomous}
	}
	if !in.HasRoom {
		return Decision{ShouldRespond: false, SkipEvaluation: true, Reason: ReasonNoRoom}
	}
	if in.ChannelType.IsPrivate() {
		return Decision{ShouldRespond: true, SkipEvaluation: true, Reason: ReasonPrivate}
	}
	for _, ct := range p.AllowedChannelTypes {
		if strings.EqualFold(string(ct), string(in.ChannelType)) {
			return Decision{ShouldRespond: true, SkipEvaluation: true, Reason: ReasonAllowedType}
		}
	}
	if in.Source != "" {
		source := strings.ToLower(in.Source)
		for _, allowed := range p.AllowedSources {
			if allowed != "" && strings.Contains(source, strings.ToLower(allowed)) {
				return Decision{ShouldRespond: true, SkipEvaluation: true, Reason: ReasonAllowedSource}
			}
		}
	}
	if in.IsMention {
		return Decision{ShouldRespond: true, SkipEvaluation: true, Reason: ReasonMention}
	}
	if in.IsReply {
		return Decision{ShouldRespond: true, SkipEvaluation: true, Reason: ReasonReply}
	}
	if p.AlwaysRespond {
		return Decision{ShouldRespond: true, SkipEvaluation: true, Reason: ReasonAlwaysRespond}
	}
	return Decision{ShouldRespond: false, SkipEvaluation: false, Reason: ReasonNeedsLLM}
}

// Escalation actions returned by the should-respond model call.
const (
	ActionRespond = "RESPOND"
	ActionIgnore  = "IGNORE"
	ActionStop    = "STOP"
	ActionNone    = "NONE"
)

// RespondFromAction interprets the action field of the escalation call.
// Anything other than IGNORE or NONE counts as respond.
func RespondFromAction(action string) bool {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case ActionIgnore, ActionNone:
		return false
	}
	return true
}

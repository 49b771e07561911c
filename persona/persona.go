// Package persona describes who the recorder is for one dialogue session:
// the voice, display name, behavioural mode and the system-role text sent
// to the provider when the session starts.
package persona

import (
	"fmt"
	"strings"
)

// Mode selects the recorder's behaviour for a session.
type Mode string

const (
	ModeNormal            Mode = "normal"
	ModeProfileCollection Mode = "profile_collection"
)

// ParseMode maps a caller-supplied mode string, defaulting to ModeNormal.
func ParseMode(s string) Mode {
	if Mode(strings.TrimSpace(s)) == ModeProfileCollection {
		return ModeProfileCollection
	}
	return ModeNormal
}

// AudioFormat is the synthesized audio format declared at session start.
type AudioFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Encoding returns the provider's name for the format.
func (f AudioFormat) Encoding() string {
	return fmt.Sprintf("pcm_s%dle", f.BitDepth)
}

// DefaultOutputFormat is PCM 16-bit little-endian mono at 24 kHz.
var DefaultOutputFormat = AudioFormat{SampleRate: 24000, Channels: 1, BitDepth: 16}

// Persona is fixed for the lifetime of a session.
type Persona struct {
	Voice        string
	RecorderName string
	Mode         Mode
	City         string
	Output       AudioFormat
	Style        string

	// Optional context folded into the system role.
	Nickname string
	Topic    string
	Context  string

	StrictAudit bool
	RecvTimeout int
}

// SystemRole renders the system-role text for the persona's mode.
func (p Persona) SystemRole() string {
	if p.Mode == ModeProfileCollection {
		return fmt.Sprintf(profileCollectionRole, p.RecorderName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, normalRole, p.RecorderName)
	if p.Nickname != "" {
		fmt.Fprintf(&b, "\n\n对方希望被称呼为%s。", p.Nickname)
	}
	if p.Topic != "" || p.Context != "" {
		topic := p.Topic
		if topic == "" {
			topic = "自由聊天"
		}
		context := p.Context
		if context == "" {
			context = "无"
		}
		fmt.Fprintf(&b, topicSection, topic, context)
	}
	return b.String()
}

// StyleFor returns the speaking style hint for a mode.
func StyleFor(m Mode, c Content) string {
	if m == ModeProfileCollection && c.ProfileSpeakingStyle != "" {
		return c.ProfileSpeakingStyle
	}
	return c.SpeakingStyle
}

const normalRole = `你叫%s，是一位人生故事记录师，陪对方回忆往事，帮助整理成回忆录。

## 对话方式
- 先用一两句话回应对方刚讲的内容，再提一个问题，让对话继续下去
- 一次只问一个问题
- 记住对方提过的人物、地点和年代，不重复提问，不问前后矛盾的问题
- 语气平和、沉稳，回复简短朴实

## 可以追问的方向
- 当时的时间和地点
- 身边的人，以及他们后来的经历
- 事情的经过和细节
- 对方当时的感受，以及这件事带来的影响

## 注意
- 对方想换话题时自然跟随
- 讲到伤心往事时耐心倾听，表达理解`

const topicSection = `

## 本次对话主题
%s

## 背景信息（可在对话中自然提及）
%s`

const profileCollectionRole = `你叫%s，是一位人生故事记录师，这是和对方的第一次交谈。

## 任务
用轻松聊天的方式了解三件事：
1. 对方希望怎么被称呼
2. 出生年份或年龄
3. 家乡在哪里

## 要求
- 每次只问一件事，听到回答后简短回应再问下一件
- 对方不想说的内容不要追问
- 三件事都了解后，向对方道谢，并在回复末尾加上【信息收集完成】`

package persona

import (
	"math/rand/v2"
)

// Content holds the scripted text the gateway speaks: opening lines, style
// hints and voice preview texts. It is loaded from the content file when
// one is configured.
type Content struct {
	FallbackGreetings    []string          `yaml:"fallback_greetings"`
	ProfileOpening       string            `yaml:"profile_opening"`
	SpeakingStyle        string            `yaml:"speaking_style"`
	ProfileSpeakingStyle string            `yaml:"profile_speaking_style"`
	PreviewText          string            `yaml:"preview_text"`
	PreviewTexts         map[string]string `yaml:"preview_texts"`
}

// DefaultContent is used for every field the content file leaves empty.
func DefaultContent() Content {
	return Content{
		FallbackGreetings: []string{
			"您好，又见面了。今天想从哪段日子聊起呢？",
			"您好呀，最近常想起哪些老朋友或者老地方吗？",
			"您好，今天我们接着聊聊您年轻时候的事，好吗？",
		},
		ProfileOpening:       "您好，我是您的人生故事记录师。在开始之前，想先认识一下您，我该怎么称呼您呢？",
		SpeakingStyle:        "语速缓慢，语气平和沉稳，先简短回应，再提一个问题。",
		ProfileSpeakingStyle: "语气亲切自然，像第一次见面的晚辈，说话简短。",
		PreviewText:          "您好，很高兴能成为您的人生记录师，期待听您讲述那些珍贵的回忆。",
		PreviewTexts:         map[string]string{},
	}
}

// Merge fills empty fields of c from DefaultContent.
func (c Content) Merge() Content {
	def := DefaultContent()
	if len(c.FallbackGreetings) == 0 {
		c.FallbackGreetings = def.FallbackGreetings
	}
	if c.ProfileOpening == "" {
		c.ProfileOpening = def.ProfileOpening
	}
	if c.SpeakingStyle == "" {
		c.SpeakingStyle = def.SpeakingStyle
	}
	if c.ProfileSpeakingStyle == "" {
		c.ProfileSpeakingStyle = def.ProfileSpeakingStyle
	}
	if c.PreviewText == "" {
		c.PreviewText = def.PreviewText
	}
	if c.PreviewTexts == nil {
		c.PreviewTexts = map[string]string{}
	}
	return c
}

// RandomFallback picks a fallback greeting uniformly at random.
func (c Content) RandomFallback() string {
	if len(c.FallbackGreetings) == 0 {
		return DefaultContent().FallbackGreetings[0]
	}
	return c.FallbackGreetings[rand.IntN(len(c.FallbackGreetings))]
}

// PreviewFor returns the preview text configured for a voice.
func (c Content) PreviewFor(voice string) string {
	if text, ok := c.PreviewTexts[voice]; ok && text != "" {
		return text
	}
	return c.PreviewText
}

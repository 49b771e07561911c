package doubao

import "github.com/room4-2/memoir-dialog/persona"

// sessionConfig is the StartSession payload.
type sessionConfig struct {
	ASR    asrConfig    `json:"asr"`
	TTS    ttsConfig    `json:"tts"`
	Dialog dialogConfig `json:"dialog"`
}

type asrConfig struct {
	Extra struct {
		EndSmoothWindowMS int `json:"end_smooth_window_ms"`
	} `json:"extra"`
}

type ttsConfig struct {
	Speaker     string      `json:"speaker"`
	AudioConfig audioConfig `json:"audio_config"`
}

type audioConfig struct {
	Channel    int    `json:"channel"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type dialogConfig struct {
	BotName       string      `json:"bot_name"`
	SystemRole    string      `json:"system_role"`
	SpeakingStyle string      `json:"speaking_style"`
	Location      location    `json:"location"`
	Extra         dialogExtra `json:"extra"`
}

type location struct {
	City string `json:"city"`
}

type dialogExtra struct {
	StrictAudit bool   `json:"strict_audit"`
	RecvTimeout int    `json:"recv_timeout"`
	InputMod    string `json:"input_mod"`
}

func buildSessionConfig(p persona.Persona) sessionConfig {
	out := p.Output
	if out.SampleRate == 0 {
		out = persona.DefaultOutputFormat
	}
	recvTimeout := p.RecvTimeout
	if recvTimeout <= 0 {
		recvTimeout = defaultRecvTimeout
	}

	var cfg sessionConfig
	cfg.ASR.Extra.EndSmoothWindowMS = endSmoothWindowMS
	cfg.TTS = ttsConfig{
		Speaker: p.Voice,
		AudioConfig: audioConfig{
			Channel:    out.Channels,
			Format:     out.Encoding(),
			SampleRate: out.SampleRate,
		},
	}
	cfg.Dialog = dialogConfig{
		BotName:       p.RecorderName,
		SystemRole:    p.SystemRole(),
		SpeakingStyle: p.Style,
		Location:      location{City: p.City},
		Extra: dialogExtra{
			StrictAudit: p.StrictAudit,
			RecvTimeout: recvTimeout,
			InputMod:    "audio",
		},
	}
	return cfg
}

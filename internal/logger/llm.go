package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

var (
	llmMu          sync.Mutex
	llmLog         *log.Logger
	llmDumpPayload bool
)

// SetLLMWriter routes advisor prompt transcripts to w; nil disables them.
func SetLLMWriter(w io.Writer) {
	llmMu.Lock()
	defer llmMu.Unlock()
	if w == nil {
		llmLog = nil
		return
	}
	llmLog = log.New(w, "", log.LstdFlags)
}

func EnableLLMPayloadDump(enabled bool) {
	llmMu.Lock()
	llmDumpPayload = enabled
	llmMu.Unlock()
}

type llmSection struct {
	title string
	body  string
}

func writeLLM(kind, advisor, traceID string, sections []llmSection) {
	llmMu.Lock()
	out := llmLog
	dump := llmDumpPayload
	llmMu.Unlock()
	if out == nil || !dump {
		return
	}
	var b strings.Builder
	b.WriteString("[LLM][" + kind + "]")
	if advisor != "" {
		b.WriteString("[" + advisor + "]")
	}
	if traceID != "" {
		b.WriteString("[trace=" + traceID + "]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		b.WriteString("--- " + sec.title + " ---\n")
		b.WriteString(sec.body)
		if !strings.HasSuffix(sec.body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	out.Print(b.String())
}

func LogLLMRequest(advisor, traceID, systemPrompt, userPrompt string) {
	writeLLM("request", advisor, traceID, []llmSection{
		{title: "SYSTEM", body: systemPrompt},
		{title: "USER", body: userPrompt},
	})
}

func LogLLMResponse(advisor, traceID, raw string) {
	writeLLM("response", advisor, traceID, []llmSection{{title: "RAW", body: raw}})
}

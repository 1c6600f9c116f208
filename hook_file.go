package proxsmtp

import (
	"fmt"
	"io"
	"os"
	"time"
)

const (
	fileLogJSON     string = "{\"type\":\"log\",\"occurred_at\":\"%s\",\"connection_id\":\"%s\",\"level\":\"%s\",\"message\":\"%s\"}\n"
	fileVerdictJSON string = "{\"type\":\"verdict\",\"occurred_at\":\"%s\",\"connection_id\":\"%s\",\"from\":\"%s\",\"to\":\"%s\",\"status\":\"%s\",\"elapsed\":\"%s\"}\n"
)

// FileHook appends newline-delimited JSON records to FILE_PATH.
type FileHook struct {
	file io.Writer
}

func (h *FileHook) Name() string {
	return "file"
}

func (h *FileHook) writer() (io.Writer, error) {
	if h.file != nil {
		return h.file, nil
	}

	path := os.Getenv("FILE_PATH")
	if len(path) == 0 {
		return nil, fmt.Errorf("missing path for file, please set `FILE_PATH`")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile error: %w", err)
	}
	h.file = f
	return h.file, nil
}

func (h *FileHook) AfterInit() error {
	_, err := h.writer()
	return err
}

func (h *FileHook) AfterLog(e *LogEvent) {
	writer, err := h.writer()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}
	if _, err := fmt.Fprintf(writer, fileLogJSON, e.OccurredAt.Format(time.RFC3339), e.ConnID, e.Level, e.Message); err != nil {
		fmt.Printf("[%s] file append error: %s\n", h.Name(), err)
	}
}

func (h *FileHook) AfterVerdict(e *VerdictEvent) {
	writer, err := h.writer()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}
	if _, err := fmt.Fprintf(writer, fileVerdictJSON, e.OccurredAt.Format(time.RFC3339), e.ConnID, e.MailFrom, e.MailTo, e.Status, e.Elapsed); err != nil {
		fmt.Printf("[%s] file append error: %s\n", h.Name(), err)
	}
}

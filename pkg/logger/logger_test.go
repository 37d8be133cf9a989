package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/llm-gateway/pkg/logger"
)

var _ = Describe("Logger", func() {
	var (
		buf bytes.Buffer
		ctx context.Context
	)

	BeforeEach(func() {
		buf.Reset()
		ctx = context.Background()
	})

	DescribeTable("level handling",
		func(level string, enabled, disabled slog.Level) {
			log := logger.New(&buf, level, false, "dev")
			Expect(log.Enabled(ctx, enabled)).To(BeTrue())
			Expect(log.Enabled(ctx, disabled)).To(BeFalse())
		},
		Entry("info", "info", slog.LevelInfo, slog.LevelDebug),
		Entry("debug", "debug", slog.LevelDebug, slog.LevelDebug-4),
		Entry("warn", "WARN", slog.LevelWarn, slog.LevelInfo),
		Entry("error", "error", slog.LevelError, slog.LevelWarn),
		Entry("invalid defaults to info", "verbose", slog.LevelInfo, slog.LevelDebug),
	)

	It("should write JSON in prod", func() {
		log := logger.New(&buf, "info", false, "prod")
		log.Info("Circuit opened", slog.String("target", "openai"))

		var record map[string]any
		Expect(json.Unmarshal(buf.Bytes(), &record)).To(Succeed())
		Expect(record).To(HaveKeyWithValue("msg", "Circuit opened"))
		Expect(record).To(HaveKeyWithValue("environment", "prod"))
		Expect(record).To(HaveKeyWithValue("target", "openai"))
	})

	It("should write text elsewhere", func() {
		log := logger.New(&buf, "info", false, "dev")
		log.Info("Received request")

		Expect(buf.String()).To(ContainSubstring(`msg="Received request"`))
		Expect(buf.String()).To(ContainSubstring("environment=dev"))
	})

	It("should include the source when asked", func() {
		log := logger.New(&buf, "info", true, "prod")
		log.Info("hello")
		Expect(buf.String()).To(ContainSubstring(`"source"`))
	})
})

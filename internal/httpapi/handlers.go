package httpapi

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/clashgen-go/internal/generate"
	"github.com/John-Robertt/clashgen-go/internal/model"
	"github.com/sirupsen/logrus"
)

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteText(w, http.StatusOK, "ok\n")
}

// handleGenerate runs one generation. mode=rules writes only the rule list.
func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	run := generate.Run
	switch mode := strings.TrimSpace(r.URL.Query().Get("mode")); mode {
	case "", "config":
	case "rules":
		run = generate.RunRulesOnly
	default:
		writeErrorFromErr(w, requestError("INVALID_ARGUMENT", "mode 只能是 config 或 rules", "got: "+mode))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opt.GenerateTimeout)
	defer cancel()

	s.runs.Lock()
	rep, err := run(ctx, s.opt.Paths, s.opt.Generate)
	s.runs.Unlock()

	if err != nil {
		metricsIncGenerate(false, nil)
		logrus.WithError(err).Error("generate failed")
		writeErrorFromErr(w, err)
		return
	}
	metricsIncGenerate(true, rep.Diagnostics)
	if rep.Diagnostics == nil {
		rep.Diagnostics = []model.AppError{}
	}
	WriteJSON(w, http.StatusOK, rep)
}

type output struct {
	file        string
	contentType string
}

var (
	outputConfig = output{file: generate.ConfigFileName, contentType: "text/yaml; charset=utf-8"}
	outputRules  = output{file: generate.RulesFileName, contentType: "text/plain; charset=utf-8"}
)

// handleOutput serves the last generated file. fileName turns the response
// into a download.
func (s *server) handleOutput(o output) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(s.opt.Paths.OutputDir, o.file)
		body, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				writeErrorFromErr(w, apiError(http.StatusNotFound, model.AppError{
					Code:    "OUTPUT_NOT_FOUND",
					Message: "尚未生成输出文件",
					Stage:   "serve_output",
					Hint:    "POST /api/generate first",
				}, err))
				return
			}
			writeErrorFromErr(w, apiError(http.StatusInternalServerError, model.AppError{
				Code:    "OUTPUT_READ_ERROR",
				Message: "读取输出文件失败",
				Stage:   "serve_output",
			}, err))
			return
		}

		if err := setAttachmentHeaders(w, r.URL.Query().Get("fileName"), filepath.Ext(o.file)); err != nil {
			writeErrorFromErr(w, err)
			return
		}
		w.Header().Set("Content-Type", o.contentType)
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

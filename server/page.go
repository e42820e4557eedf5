package server

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"slices"

	"github.com/guseggert/blockrunner/program"
	"github.com/julienschmidt/httprouter"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type page struct {
	Programs []string
	Selected string
	Output   string
	Comments []string
	Likes    int
	Dislikes int
}

// selectProgram picks the requested program if it is listed, and the first listed program otherwise.
func selectProgram(ids []string, requested string) string {
	if id, err := program.Normalize(requested); err == nil && slices.Contains(ids, id) {
		return id
	}
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func (s *Server) index(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	ids, err := s.catalog.Programs(ctx)
	if err != nil {
		s.logger.Errorw("listing programs failed", "Error", err)
		http.Error(w, "listing programs failed", http.StatusInternalServerError)
		return
	}

	p := page{
		Programs: ids,
		Selected: selectProgram(ids, r.URL.Query().Get("program")),
	}
	if p.Selected != "" {
		p.Output = s.registry.Snapshot(p.Selected)
		p.Comments, err = s.feedback.Comments(ctx, p.Selected)
		if err == nil {
			p.Likes, p.Dislikes, err = s.feedback.Reactions(ctx, p.Selected)
		}
		if err != nil {
			s.logger.Errorw("loading feedback failed", "Program", p.Selected, "Error", err)
			http.Error(w, "loading feedback failed", http.StatusInternalServerError)
			return
		}
	}

	var buf bytes.Buffer
	err = pageTemplate.Execute(&buf, p)
	if err != nil {
		s.logger.Errorw("rendering page failed", "Error", err)
		http.Error(w, fmt.Sprintf("rendering page: %s", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err = buf.WriteTo(w)
	if err != nil {
		s.logger.Debugf("error sending page: %s", err)
	}
}

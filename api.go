package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stevecastle/anaglyph/appconfig"
	"github.com/stevecastle/anaglyph/auth"
	"github.com/stevecastle/anaglyph/deps"
	"github.com/stevecastle/anaglyph/depth"
	"github.com/stevecastle/anaglyph/dibr"
	"github.com/stevecastle/anaglyph/downloads"
	"github.com/stevecastle/anaglyph/imageio"
	"github.com/stevecastle/anaglyph/jobqueue"
	"github.com/stevecastle/anaglyph/renderer"
	"github.com/stevecastle/anaglyph/session"
	"github.com/stevecastle/anaglyph/stereo"
	"github.com/stevecastle/anaglyph/storage"
	"github.com/stevecastle/anaglyph/stream"
	"github.com/stevecastle/anaglyph/tasks"
)

// Dependencies holds what the handlers share.
type Dependencies struct {
	Queue     *jobqueue.Queue
	Sessions  *session.Store
	Storage   storage.Store
	Renders   *stereo.Service
	Hub       *stream.Hub
	Auth      *auth.AuthService
	Downloads *downloads.DownloadManager
	Config    appconfig.Config
}

const (
	sessionCookie   = "anaglyph_session"
	adminCookie     = "anaglyph_admin"
	sessionTokenTTL = 7 * 24 * time.Hour
	maxUploadBytes  = 64 << 20
)

type ctxKey int

const sessionIDKey ctxKey = iota

func newMux(d *Dependencies) *http.ServeMux {
	renderer.AuthMiddleware = authMiddleware(d.Auth)
	mux := http.NewServeMux()

	// editor
	mux.HandleFunc("/", renderer.ApplyMiddlewares(editorHandler(d), renderer.RolePublic))
	mux.HandleFunc("/upload", renderer.ApplyMiddlewares(uploadHandler(d), renderer.RolePublic))
	mux.HandleFunc("/session", renderer.ApplyMiddlewares(sessionHandler(d), renderer.RoleSession))
	mux.HandleFunc("/anaglyph", renderer.ApplyMiddlewares(viewHandler(d, stereo.ViewAnaglyph), renderer.RoleSession))
	mux.HandleFunc("/stereo/{view}", renderer.ApplyMiddlewares(viewHandler(d, ""), renderer.RoleSession))
	mux.HandleFunc("/depth", renderer.ApplyMiddlewares(depthHandler(d), renderer.RoleSession))
	mux.HandleFunc("/events", renderer.ApplyMiddlewares(eventsHandler(d), renderer.RoleSession))
	mux.HandleFunc("/health", healthHandler(d))

	// admin
	mux.HandleFunc("/login", renderer.ApplyMiddlewares(loginHandler(d), renderer.RolePublic))
	mux.HandleFunc("/jobs", renderer.ApplyMiddlewares(jobsHandler(d), renderer.RoleAdmin))
	mux.HandleFunc("/jobs/list", renderer.ApplyMiddlewares(jobsListHandler(d), renderer.RoleAdmin))
	mux.HandleFunc("/jobs/clear", renderer.ApplyMiddlewares(clearNonRunningJobsHandler(d), renderer.RoleAdmin))
	mux.HandleFunc("/jobs/{id}/cancel", renderer.ApplyMiddlewares(cancelHandler(d), renderer.RoleAdmin))
	mux.HandleFunc("/jobs/{id}/copy", renderer.ApplyMiddlewares(copyJobHandler(d), renderer.RoleAdmin))
	mux.HandleFunc("/jobs/{id}/remove", renderer.ApplyMiddlewares(removeJobHandler(d), renderer.RoleAdmin))
	mux.HandleFunc("/users", renderer.ApplyMiddlewares(usersHandler(d), renderer.RoleAdmin))
	mux.HandleFunc("/users/{name}/delete", renderer.ApplyMiddlewares(deleteUserHandler(d), renderer.RoleAdmin))
	mux.HandleFunc("/sweep", renderer.ApplyMiddlewares(sweepHandler(d), renderer.RoleAdmin))
	mux.HandleFunc("/models", renderer.ApplyMiddlewares(modelsHandler(d), renderer.RoleAdmin))
	mux.HandleFunc("/models/fetch", renderer.ApplyMiddlewares(fetchModelHandler(d), renderer.RoleAdmin))
	mux.HandleFunc("/stream", renderer.ApplyMiddlewares(d.Hub.ServeHTTP, renderer.RoleAdmin))
	return mux
}

// -----------------------------------------------------------------------------
// Authentication
// -----------------------------------------------------------------------------

// requestToken looks for a token in the Authorization header, then the
// "token" query parameter, then the named cookie.
func requestToken(r *http.Request, cookie string) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie(cookie); err == nil {
		return c.Value
	}
	return ""
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// authMiddleware checks session tokens for editor routes and admin tokens for
// everything else. Browsers asking for an admin page are sent to /login.
func authMiddleware(a *auth.AuthService) func(http.Handler, renderer.AuthRole) http.Handler {
	return func(next http.Handler, role renderer.AuthRole) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if role == renderer.RoleSession {
				id, err := a.SessionFromToken(requestToken(r, sessionCookie))
				if err != nil {
					http.Error(w, "No session; upload an image first", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionIDKey, id)))
				return
			}

			claims, err := a.VerifyToken(requestToken(r, adminCookie))
			if err != nil || claims.Role != auth.RoleAdmin {
				if r.Method == http.MethodGet && wantsHTML(r) {
					http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusSeeOther)
					return
				}
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type loginTemplateData struct {
	Title string
	Error string
	Next  string
}

// safeNext keeps login redirects on this site.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/jobs"
	}
	return next
}

func loginHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			data := loginTemplateData{Title: "Sign in", Next: safeNext(r.URL.Query().Get("next"))}
			if err := renderer.Templates().ExecuteTemplate(w, "login", data); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		case http.MethodPost:
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
			return
		}

		isJSON := strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		next := "/jobs"
		if isJSON {
			if err := readJSONBody(r, &creds); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
		} else {
			creds.Username, creds.Password = r.PostFormValue("username"), r.PostFormValue("password")
			next = safeNext(r.PostFormValue("next"))
		}

		token, err := d.Auth.Login(creds.Username, creds.Password)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, auth.ErrInvalidCreds) {
				status = http.StatusUnauthorized
			} else {
				log.Printf("login failed: %v", err)
			}
			if isJSON {
				http.Error(w, "Invalid credentials", status)
				return
			}
			w.WriteHeader(status)
			renderer.Templates().ExecuteTemplate(w, "login", loginTemplateData{Title: "Sign in", Error: "Invalid username or password", Next: next})
			return
		}

		if isJSON {
			writeJSON(w, http.StatusOK, map[string]string{"token": token})
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     adminCookie,
			Value:    token,
			Path:     "/",
			MaxAge:   int(auth.AdminTokenTTL / time.Second),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   r.TLS != nil,
		})
		http.Redirect(w, r, next, http.StatusSeeOther)
	}
}

// -----------------------------------------------------------------------------
// Web-handler helpers
// -----------------------------------------------------------------------------

func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writePNG(w http.ResponseWriter, r *http.Request, name string, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}

// currentSession loads the session named by the request's token and extends
// its lifetime.
func (d *Dependencies) currentSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, _ := r.Context().Value(sessionIDKey).(string)
	s, err := d.Sessions.Get(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil, false
	case errors.Is(err, session.ErrExpired):
		http.Error(w, "Session expired; upload the image again", http.StatusGone)
		return nil, false
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	if err := d.Sessions.Touch(r.Context(), id); err != nil {
		log.Printf("touch session %s: %v", id, err)
	}
	return s, true
}

// failedSession answers for a session whose depth estimation failed. Its
// depth map will never arrive, so the caller has to upload again.
func failedSession(w http.ResponseWriter, s *session.Session) bool {
	if s.State != session.StateFailed {
		return false
	}
	msg := "Depth estimation failed"
	if s.Error != "" {
		msg += ": " + s.Error
	}
	http.Error(w, msg, http.StatusUnprocessableEntity)
	return true
}

func firstValue(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

// renderParams reads the editor controls from the query string on top of def.
// Both the snake_case form field names and the JSON names work.
func renderParams(q url.Values, def stereo.Params) (stereo.Params, error) {
	p := def
	if v := firstValue(q, "pop_out", "popOut"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, fmt.Errorf("pop_out: %w", err)
		}
		p.PopOut = b
	}
	if v := firstValue(q, "max_disparity", "maxDisparity"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("max_disparity: %w", err)
		}
		p.MaxDisparityPct = f
	}
	if v := firstValue(q, "optimised_RR_anaglyph", "optimized_rr"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, fmt.Errorf("optimised_RR_anaglyph: %w", err)
		}
		p.Mode = "pure"
		if b {
			p.Mode = "optimised_rr"
		}
	}
	if v := firstValue(q, "mode"); v != "" {
		p.Mode = v
	}
	if v := firstValue(q, "fill"); v != "" {
		p.Fill = v
	}
	if v := firstValue(q, "radius", "inpaintRadius"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("radius: %w", err)
		}
		p.InpaintRadius = n
	}
	if _, err := p.Options(); err != nil {
		return p, err
	}
	return p, nil
}

// -----------------------------------------------------------------------------
// Editor handlers
// -----------------------------------------------------------------------------

type option struct {
	Value string
	Label string
}

type editorTemplateData struct {
	Title    string
	Defaults stereo.Params
	Modes    []option
	Fills    []option
}

var (
	editorModes = []option{
		{"pure", "Pure (red/cyan)"},
		{"optimised_rr", "Optimised, reduced rivalry"},
	}
)

// editorFills lists telea only when this build links OpenCV.
func editorFills() []option {
	fills := []option{
		{"scanline", "Background scanline"},
		{"pushpull", "Push-pull"},
	}
	if dibr.TeleaAvailable {
		fills = append(fills, option{"telea", "Inpaint (Telea)"})
	}
	return fills
}

func editorHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		data := editorTemplateData{
			Title:    "Editor",
			Defaults: stereo.DefaultParams(d.Config.Render),
			Modes:    editorModes,
			Fills:    editorFills(),
		}
		if err := renderer.Templates().ExecuteTemplate(w, "editor", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

type uploadResponse struct {
	Session     *session.Session `json:"session"`
	Token       string           `json:"token"`
	JobID       string           `json:"jobId,omitempty"`
	RenderJobID string           `json:"renderJobId,omitempty"`
}

// uploadHandler stores the image, opens a session and either stores the
// uploaded depth map or queues depth estimation followed by a default render.
func uploadHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, "Invalid upload: "+err.Error(), http.StatusBadRequest)
			return
		}
		defer r.MultipartForm.RemoveAll()

		f, _, err := r.FormFile("image")
		if err != nil {
			http.Error(w, "Missing image field", http.StatusBadRequest)
			return
		}
		img, _, err := imageio.Decode(f, 0)
		f.Close()
		if err != nil {
			http.Error(w, "Could not decode image: "+err.Error(), http.StatusBadRequest)
			return
		}
		b := img.Bounds()

		// Decode the optional depth map before anything is stored.
		var depthPNG []byte
		if df, _, err := r.FormFile("depth"); err == nil {
			dimg, _, err := imageio.Decode(df, 0)
			df.Close()
			if err != nil {
				http.Error(w, "Could not decode depth map: "+err.Error(), http.StatusBadRequest)
				return
			}
			dm, err := depth.Normalize(depth.FromGray(dimg, b.Dx(), b.Dy()))
			if err != nil {
				http.Error(w, "Invalid depth map: "+err.Error(), http.StatusBadRequest)
				return
			}
			if depthPNG, err = imageio.PNGBytes(depth.ToGray16(dm)); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		src, err := imageio.PNGBytes(img)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		ctx := r.Context()
		sess, err := d.Sessions.Create(ctx, b.Dx(), b.Dy())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fail := func(err error) {
			log.Printf("upload %s: %v", sess.ID, err)
			d.Storage.DeletePrefix(context.Background(), sess.ID+"/")
			d.Sessions.Delete(context.Background(), sess.ID)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		if err := d.Storage.Put(ctx, sess.Key(session.SourceName), bytes.NewReader(src), "image/png"); err != nil {
			fail(err)
			return
		}

		resp := uploadResponse{Session: sess}
		if depthPNG != nil {
			if err := d.Storage.Put(ctx, sess.Key(session.DepthName), bytes.NewReader(depthPNG), "image/png"); err != nil {
				fail(err)
				return
			}
			if err := d.Sessions.SetState(ctx, sess.ID, session.StateDepthReady, ""); err != nil {
				fail(err)
				return
			}
			sess.State = session.StateDepthReady
		} else {
			// the render child warms the cache for the editor's first view
			root, err := d.Queue.AddWorkflow(jobqueue.Workflow{
				Command:  tasks.CommandRender,
				Input:    sess.ID,
				Children: []jobqueue.Workflow{{Command: tasks.CommandDepth, Input: sess.ID}},
			})
			if err != nil {
				fail(err)
				return
			}
			resp.RenderJobID = root
			if j, ok := d.Queue.Snapshot(root); ok && len(j.Dependencies) == 1 {
				resp.JobID = j.Dependencies[0]
			}
		}

		token, err := d.Auth.IssueSessionToken(sess.ID, sessionTokenTTL)
		if err != nil {
			fail(err)
			return
		}
		resp.Token = token
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    token,
			Path:     "/",
			MaxAge:   int(sessionTokenTTL / time.Second),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   r.TLS != nil,
		})
		writeJSON(w, http.StatusCreated, resp)
	}
}

func sessionHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		s, ok := d.currentSession(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

// viewHandler renders the session with the query's controls and returns one
// view as PNG. An empty view is taken from the {view} path segment.
func viewHandler(d *Dependencies, view string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		name := view
		if name == "" {
			name = r.PathValue("view")
		}
		s, ok := d.currentSession(w, r)
		if !ok || failedSession(w, s) {
			return
		}
		p, err := renderParams(r.URL.Query(), stereo.DefaultParams(d.Config.Render))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		out, err := d.Renders.Render(r.Context(), s.ID, p)
		switch {
		case errors.Is(err, stereo.ErrDepthNotReady):
			http.Error(w, "Depth map is not ready yet", http.StatusConflict)
			return
		case errors.Is(err, stereo.ErrNoSource):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case err != nil:
			log.Printf("render %s: %v", s.ID, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data, err := out.View(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writePNG(w, r, name+".png", data)
	}
}

// depthHandler returns the session's depth map, JET coloured unless raw=1.
func depthHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		s, ok := d.currentSession(w, r)
		if !ok || failedSession(w, s) {
			return
		}
		rc, err := d.Storage.Get(r.Context(), s.Key(session.DepthName))
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Depth map is not ready yet", http.StatusConflict)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		stored, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if raw, _ := strconv.ParseBool(r.URL.Query().Get("raw")); raw {
			writePNG(w, r, "depth.png", stored)
			return
		}

		img, _, err := imageio.Decode(bytes.NewReader(stored), 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		coloured, err := imageio.PNGBytes(depth.Colorize(depth.DepthMapFromGray16(img)))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writePNG(w, r, "depth.png", coloured)
	}
}

// eventsHandler streams the events of the caller's session only.
func eventsHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := r.Context().Value(sessionIDKey).(string)
		r2 := r.Clone(r.Context())
		q := r2.URL.Query()
		q.Del("token")
		q.Set("topic", id)
		r2.URL.RawQuery = q.Encode()
		d.Hub.ServeHTTP(w, r2)
	}
}

// healthHandler provides system health information including stream connections
func healthHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}

		jobStats := map[string]int{"total": 0}
		for _, job := range d.Queue.GetJobs() {
			jobStats["total"]++
			jobStats[job.State.String()]++
		}
		sessions, err := d.Sessions.Count(r.Context())
		if err != nil {
			log.Printf("health: count sessions: %v", err)
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
			"stream":    d.Hub.Stats(),
			"jobs":      jobStats,
			"sessions":  sessions,
			"renders":   d.Renders.Cached(),
		})
	}
}

// -----------------------------------------------------------------------------
// Admin handlers
// -----------------------------------------------------------------------------

type jobsTemplateData struct {
	Title string
	Jobs  []jobqueue.Job
}

func jobsHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		data := jobsTemplateData{Title: "Jobs", Jobs: d.Queue.GetJobs()}
		if err := renderer.Templates().ExecuteTemplate(w, "jobs", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func jobsListHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, d.Queue.GetJobs())
	}
}

func cancelHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		err := d.Queue.CancelJob(r.PathValue("id"))
		switch {
		case errors.Is(err, jobqueue.ErrJobNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case errors.Is(err, jobqueue.ErrBadState):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Job cancelled successfully"))
	}
}

// copyJobHandler re-queues a job, typically one that failed.
func copyJobHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		id, err := d.Queue.CopyJob(r.PathValue("id"))
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func removeJobHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		err := d.Queue.RemoveJob(r.PathValue("id"))
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Job removed"))
	}
}

func clearNonRunningJobsHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		cleared, err := d.Queue.ClearNonRunningJobs()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cleared_count": cleared,
			"message":       fmt.Sprintf("Cleared %d non-running jobs", cleared),
		})
	}
}

func sweepHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		id, err := d.Queue.AddJob("", tasks.CommandSweep, nil, "", nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	}
}

type modelsTemplateData struct {
	Title     string                    `json:"-"`
	Estimator string                    `json:"estimator"`
	Reports   []deps.Report             `json:"dependencies"`
	Progress  downloads.OverallProgress `json:"progress"`
}

func modelsHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		data := modelsTemplateData{
			Title:     "Models",
			Estimator: d.Config.Depth.Estimator,
			Reports:   deps.Reports(r.Context()),
			Progress:  d.Downloads.GetProgress(),
		}
		if !wantsHTML(r) {
			writeJSON(w, http.StatusOK, data)
			return
		}
		if err := renderer.Templates().ExecuteTemplate(w, "models", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// fetchModelHandler queues a fetch-model job unless one is already running
// for the same dependency.
func fetchModelHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		depID := firstValue(r.URL.Query(), "id")
		if depID == "" {
			depID = deps.DepthModelID
		}
		if _, ok := deps.Get(depID); !ok {
			http.Error(w, "Unknown dependency "+depID, http.StatusNotFound)
			return
		}
		if jobID := deps.GetMetadataStore().GetJobID(depID); jobID != "" {
			if j, ok := d.Queue.Snapshot(jobID); ok && !j.Finished() {
				writeJSON(w, http.StatusConflict, map[string]string{"id": jobID, "message": "Already downloading"})
				return
			}
		}
		id, err := d.Queue.AddJob("", tasks.CommandFetchModel, nil, depID, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	}
}

type userRow struct {
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type usersTemplateData struct {
	Title string
	Error string
	Users []userRow
}

func listUsers(a *auth.AuthService) ([]userRow, error) {
	users, err := a.ListUsers()
	if err != nil {
		return nil, err
	}
	rows := make([]userRow, len(users))
	for i, u := range users {
		rows[i] = userRow{Username: u.Username, CreatedAt: time.Unix(u.CreatedAt, 0)}
	}
	return rows, nil
}

// usersHandler lists admin accounts on GET and adds one on POST, from a
// form or a JSON body.
func usersHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			users, err := listUsers(d.Auth)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !wantsHTML(r) {
				writeJSON(w, http.StatusOK, users)
				return
			}
			if err := renderer.Templates().ExecuteTemplate(w, "users", usersTemplateData{Title: "Users", Users: users}); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		case http.MethodPost:
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
			return
		}

		isJSON := strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if isJSON {
			if err := readJSONBody(r, &creds); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
		} else {
			creds.Username, creds.Password = strings.TrimSpace(r.PostFormValue("username")), r.PostFormValue("password")
		}

		err := d.Auth.Register(creds.Username, creds.Password)
		status := http.StatusCreated
		switch {
		case errors.Is(err, auth.ErrInvalidCreds):
			status = http.StatusBadRequest
		case errors.Is(err, auth.ErrUserExists):
			status = http.StatusConflict
		case err != nil:
			log.Printf("register %s: %v", creds.Username, err)
			status = http.StatusInternalServerError
		}
		if isJSON {
			if err != nil {
				http.Error(w, err.Error(), status)
				return
			}
			writeJSON(w, status, map[string]string{"username": creds.Username})
			return
		}
		if err != nil {
			users, _ := listUsers(d.Auth)
			w.WriteHeader(status)
			renderer.Templates().ExecuteTemplate(w, "users", usersTemplateData{Title: "Users", Error: err.Error(), Users: users})
			return
		}
		http.Redirect(w, r, "/users", http.StatusSeeOther)
	}
}

func deleteUserHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		err := d.Auth.DeleteUser(r.PathValue("name"))
		switch {
		case errors.Is(err, auth.ErrUserNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case errors.Is(err, auth.ErrLastUser):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("User deleted"))
	}
}

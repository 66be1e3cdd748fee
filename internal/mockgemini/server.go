package mockgemini

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

// Call records a generateContent request made to the mock service.
type Call struct {
	Path   string
	Model  string
	Prompt string
}

// Reply is what the mock sends back for one prompt. A non-zero Status other than 200
// is returned as a Gemini API error body.
type Reply struct {
	Status int
	Text   string
}

// Responder decides the reply for a prompt.
type Responder func(model, prompt string) Reply

// Server implements the Gemini generateContent surface used by the leadgen providers.
type Server struct {
	mu        sync.Mutex
	calls     []Call
	apiKey    string
	responder Responder
	failures  []failure
}

type failure struct {
	match  string
	status int
	left   int
}

// New returns a mock that answers with canned, deterministic output for each flow.
func New() *Server {
	return &Server{responder: DefaultResponder}
}

// RequireAPIKey enforces the x-goog-api-key header. Empty disables the check.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = strings.TrimSpace(key)
}

// SetResponder replaces the reply logic.
func (s *Server) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = r
}

// FailWhen answers prompts containing match with status, times times. times <= 0 fails forever.
func (s *Server) FailWhen(match string, status int, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if times <= 0 {
		times = -1
	}
	s.failures = append(s.failures, failure{match: match, status: status, left: times})
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleGenerate)
	return mux
}

type generateRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type generateResponse struct {
	Candidates []candidate `json:"candidates"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	// /{version}/models/{model}:generateContent
	model, ok := parseModel(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.mu.Lock()
	expected := s.apiKey
	s.mu.Unlock()
	if expected != "" && r.Header.Get("x-goog-api-key") != expected && r.URL.Query().Get("key") != expected {
		writeError(w, http.StatusUnauthorized, "API key not valid")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var req generateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var sb strings.Builder
	for _, c := range req.Contents {
		for _, p := range c.Parts {
			sb.WriteString(p.Text)
		}
	}
	prompt := sb.String()

	s.mu.Lock()
	s.calls = append(s.calls, Call{Path: r.URL.Path, Model: model, Prompt: prompt})
	status := s.takeFailure(prompt)
	responder := s.responder
	s.mu.Unlock()

	if status != 0 {
		writeError(w, status, fmt.Sprintf("injected failure %d", status))
		return
	}

	reply := responder(model, prompt)
	if reply.Status != 0 && reply.Status != http.StatusOK {
		writeError(w, reply.Status, reply.Text)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(generateResponse{
		Candidates: []candidate{{
			Content:      content{Role: "model", Parts: []part{{Text: reply.Text}}},
			FinishReason: "STOP",
		}},
	})
}

// takeFailure must be called with s.mu held.
func (s *Server) takeFailure(prompt string) int {
	for i := range s.failures {
		f := &s.failures[i]
		if f.left == 0 || !strings.Contains(prompt, f.match) {
			continue
		}
		if f.left > 0 {
			f.left--
		}
		return f.status
	}
	return 0
}

func parseModel(path string) (string, bool) {
	i := strings.LastIndex(path, "/models/")
	if i < 0 || !strings.HasSuffix(path, ":generateContent") {
		return "", false
	}
	model := strings.TrimSuffix(path[i+len("/models/"):], ":generateContent")
	return model, model != ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  statusName(status),
		},
	})
}

func statusName(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		if code >= 500 {
			return "INTERNAL"
		}
		return "UNKNOWN"
	}
}

var (
	companyLine  = regexp.MustCompile(`(?m)^Company: (.*)$`)
	locationLine = regexp.MustCompile(`(?m)^Location: (.*)$`)
	industryLine = regexp.MustCompile(`(?m)^Industries: (.*)$`)
)

// DefaultResponder recognizes the leadgen prompts and returns stable fake data.
func DefaultResponder(_ string, prompt string) Reply {
	switch {
	case strings.Contains(prompt, "lead generation expert"):
		industry := firstMatch(industryLine, prompt, "Business")
		if i := strings.Index(industry, ","); i >= 0 {
			industry = industry[:i]
		}
		location := firstMatch(locationLine, prompt, "Anytown")
		leads := make([]map[string]string, 0, 3)
		for i := 1; i <= 3; i++ {
			leads = append(leads, map[string]string{
				"name":    fmt.Sprintf("%s Co %d", titleWord(industry), i),
				"address": fmt.Sprintf("%d Main St, %s", i*100, location),
				"phone":   fmt.Sprintf("555-010%d", i),
				"website": fmt.Sprintf("https://%s-%d.example", slug(industry), i),
			})
		}
		return jsonReply(map[string]any{"leads": leads})

	case strings.Contains(prompt, "data enrichment tool"):
		company := firstMatch(companyLine, prompt, "Unknown")
		return jsonReply(map[string]any{
			"website":         "https://" + slug(company) + ".example",
			"industry":        "Home Services",
			"businessType":    "B2C",
			"employeesCount":  12,
			"yearFounded":     2009,
			"city":            "Austin",
			"state":           "TX",
			"ownerFirstName":  "Pat",
			"ownerLastName":   "Doe",
			"ownerTitle":      "Owner",
			"ownerEmail":      "owner@" + slug(company) + ".example",
			"companyLinkedIn": "https://www.linkedin.com/company/" + slug(company),
			"source":          "mock-gemini",
		})

	case strings.Contains(prompt, "expert lead scorer"):
		score := 40
		if strings.Contains(prompt, "@") {
			score = 80
		}
		return jsonReply(map[string]any{"score": score, "reason": "mock rubric evaluation"})

	case strings.Contains(prompt, "copywriter"):
		return jsonReply(map[string]any{
			"subject": "Quick question",
			"body":    "Hi there,\n\nWould you be open to a short call this week?\n",
		})
	}
	return Reply{Status: http.StatusBadRequest, Text: "unrecognized prompt"}
}

func jsonReply(v any) Reply {
	b, err := json.Marshal(v)
	if err != nil {
		return Reply{Status: http.StatusInternalServerError, Text: err.Error()}
	}
	return Reply{Text: string(b)}
}

func firstMatch(re *regexp.Regexp, s, fallback string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 || strings.TrimSpace(m[1]) == "" {
		return fallback
	}
	return strings.TrimSpace(m[1])
}

func titleWord(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "company"
	}
	return out
}

package acceptance

import (
	"encoding/json"
	"io"
	"net/http"
)

func (s *Suite) TestHealthEndpoint() {
	resp, err := http.Get(s.BaseURL + "/health")
	s.Require().NoError(err, "Failed to make request")
	defer resp.Body.Close()

	s.Equal(http.StatusOK, resp.StatusCode, "Expected status 200")

	var body struct {
		Status    string                    `json:"status"`
		Checks    map[string]map[string]any `json:"checks"`
		Platforms []string                  `json:"platforms"`
	}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&body))
	s.Equal("pass", body.Status)
	s.Equal("pass", body.Checks["postgres"]["status"])
	s.Equal("pass", body.Checks["redis"]["status"])
	s.NotContains(body.Checks, "kafka")
	s.Contains(body.Platforms, "linkedin")
}

func (s *Suite) TestMetricsEndpoint() {
	resp, err := http.Get(s.BaseURL + "/metrics")
	s.Require().NoError(err)
	defer resp.Body.Close()

	s.Equal(http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Contains(string(body), "go_goroutines")
}

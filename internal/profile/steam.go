package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/nugget/backlog-assistant/internal/httpkit"
)

const (
	steamBaseURL                = "https://api.steampowered.com"
	steamPlayerSummariesPath    = "/ISteamUser/GetPlayerSummaries/v0002/"
	steamProfileConfiguredState = 1
)

var steamIDPattern = regexp.MustCompile(`^\d{17}$`)

var (
	// ErrInvalidSteamID is returned for IDs that are not a SteamID64.
	ErrInvalidSteamID = errors.New("steam ID must be 17 digits")

	// ErrPlayerNotFound is returned when Steam knows no such player.
	ErrPlayerNotFound = errors.New("steam player not found")
)

// ValidSteamID reports whether id looks like a SteamID64.
func ValidSteamID(id string) bool {
	return steamIDPattern.MatchString(id)
}

// SteamClient talks to the Steam Web API.
type SteamClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSteamClient creates a client. An empty baseURL selects the public
// Steam Web API.
func NewSteamClient(apiKey, baseURL string, logger *slog.Logger) *SteamClient {
	if baseURL == "" {
		baseURL = steamBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SteamClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		logger:  logger.With("provider", "steam"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithRetry(1, 250*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

type steamPlayerSummaries struct {
	Response struct {
		Players []struct {
			CommunityVisibilityState int    `json:"communityvisibilitystate"`
			ProfileState             int    `json:"profilestate"`
			PersonaName              string `json:"personaname"`
			AvatarFull               string `json:"avatarfull"`
			ProfileURL               string `json:"profileurl"`
		} `json:"players"`
	} `json:"response"`
}

// FetchPlayerSummary returns the summary for a SteamID64.
func (c *SteamClient) FetchPlayerSummary(ctx context.Context, steamID string) (*Summary, error) {
	if !ValidSteamID(steamID) {
		return nil, ErrInvalidSteamID
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("steamids", steamID)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+steamPlayerSummariesPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 1024)
		c.logger.Error("Steam API error", "status", resp.StatusCode, "body", body)
		return nil, fmt.Errorf("steam API error %d", resp.StatusCode)
	}

	var payload steamPlayerSummaries
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(payload.Response.Players) == 0 {
		return nil, ErrPlayerNotFound
	}

	p := payload.Response.Players[0]
	return &Summary{
		Visibility:        visibilityFromSteam(p.CommunityVisibilityState),
		ProfileConfigured: p.ProfileState == steamProfileConfiguredState,
		PersonaName:       p.PersonaName,
		AvatarURL:         p.AvatarFull,
		ProfileURL:        p.ProfileURL,
	}, nil
}

// visibilityFromSteam maps communityvisibilitystate codes.
func visibilityFromSteam(state int) Visibility {
	switch state {
	case 1:
		return VisibilityPrivate
	case 2:
		return VisibilityFriendsOnly
	case 3:
		return VisibilityPublic
	default:
		return VisibilityUnknown
	}
}

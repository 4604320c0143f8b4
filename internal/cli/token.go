package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/watzon/fngate/internal/config"
)

var (
	tokenTTL      string
	tokenAudience []string
	tokenRole     string
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a bearer token for local testing",
	Long: `Sign a bearer token with auth.jwt.secret.

The token carries the configured issuer and, unless --audience is given,
the configured audience, so the gateway accepts it as is.

Examples:
  fngate token user-1
  fngate token ci --ttl 7d --role admin`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenTTL, "ttl", "1h", "Token lifetime (e.g. 30m, 12h, 7d, 1w, 0 for no expiry)")
	tokenCmd.Flags().StringSliceVar(&tokenAudience, "audience", nil, "Audience claims (default from config)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "Optional role claim")

	rootCmd.AddCommand(tokenCmd)
}

type tokenClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ttl, err := parseDuration(tokenTTL)
	if err != nil {
		return fmt.Errorf("invalid ttl: %w", err)
	}

	audience := tokenAudience
	if len(audience) == 0 {
		audience = cfg.Auth.JWT.Audience
	}

	token, err := mintToken(cfg.Auth.JWT, args[0], tokenRole, audience, ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func mintToken(cfg config.JWTConfig, subject, role string, audience []string, ttl time.Duration, now time.Time) (string, error) {
	if verr := config.ValidateJWTSecret(cfg.Secret); verr != nil {
		return "", verr
	}

	claims := tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.New().String(),
			Subject:  subject,
			Issuer:   cfg.Issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if len(audience) > 0 {
		claims.Audience = jwt.ClaimStrings(audience)
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// parseDuration extends time.ParseDuration with d, w, mo and y suffixes.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if s == "0" {
		return 0, nil
	}

	var multiplier time.Duration
	var numStr string

	switch {
	case strings.HasSuffix(s, "d"):
		numStr = strings.TrimSuffix(s, "d")
		multiplier = 24 * time.Hour
	case strings.HasSuffix(s, "w"):
		numStr = strings.TrimSuffix(s, "w")
		multiplier = 7 * 24 * time.Hour
	case strings.HasSuffix(s, "mo"):
		numStr = strings.TrimSuffix(s, "mo")
		multiplier = 30 * 24 * time.Hour
	case strings.HasSuffix(s, "y"):
		numStr = strings.TrimSuffix(s, "y")
		multiplier = 365 * 24 * time.Hour
	default:
		return time.ParseDuration(s)
	}

	var num int
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return 0, fmt.Errorf("invalid number: %s", numStr)
	}

	return time.Duration(num) * multiplier, nil
}

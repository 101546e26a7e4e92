package config

import "fmt"

// Validate checks configuration ranges. Returns sentinel errors usable with
// errors.Is.
func (c *Config) Validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	// Temperature range per the Gemini API: 0.0 (deterministic) to 2.0.
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	if c.MaxOutputTokens < 0 || c.MaxOutputTokens > MaxOutputTokensLimit {
		return fmt.Errorf("%w: must be between 0 and %d, got %d",
			ErrInvalidMaxTokens, MaxOutputTokensLimit, c.MaxOutputTokens)
	}

	if c.MaxHistory <= 0 {
		return fmt.Errorf("%w: must be positive, got %d", ErrInvalidMaxHistory, c.MaxHistory)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: must be >= 0, got %d", ErrInvalidMaxRetries, c.MaxRetries)
	}

	if c.MaxInputLength <= 0 {
		return fmt.Errorf("%w: must be positive, got %d", ErrInvalidMaxInputLength, c.MaxInputLength)
	}

	return nil
}

// ValidateServe additionally requires the provider credential, which only
// the serving path needs.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.APIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey)
	}
	return nil
}

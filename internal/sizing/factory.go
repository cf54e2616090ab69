package sizing

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	apperrors "rule-backtester/internal/errors"
)

var validate = validator.New()

// New builds the named policy from a loosely typed parameter map. Missing
// parameters take the policy defaults; unknown keys and out-of-range values
// fail with ErrConfigInvalid.
func New(name string, params map[string]interface{}, common Common, logger zerolog.Logger) (Policy, error) {
	if common.LotSize == 0 {
		common.LotSize = DefaultLotSize
	}
	if err := validate.Struct(common); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "sizing: %v", err)
	}

	logger = logger.With().Str("policy", name).Logger()

	switch strings.ToLower(strings.TrimSpace(name)) {
	case PolicyFixedPercent, "":
		p := DefaultFixedPercentParams()
		if err := decode(PolicyFixedPercent, params, &p); err != nil {
			return nil, err
		}
		return NewFixedPercent(p, common, logger), nil

	case PolicyMartingale:
		p := DefaultMartingaleParams()
		if err := decode(PolicyMartingale, params, &p); err != nil {
			return nil, err
		}
		return NewMartingale(p, common, logger), nil

	case PolicyKelly:
		p := DefaultKellyParams()
		if err := decode(PolicyKelly, params, &p); err != nil {
			return nil, err
		}
		return NewKelly(p, common, logger), nil
	}

	return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "unknown sizing policy %q", name)
}

// decode overlays params onto out and validates the result.
func decode(policy string, params map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(lowerKeys(params)); err != nil {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "%s params: %v", policy, err)
	}
	if err := validate.Struct(out); err != nil {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "%s params: %v", policy, err)
	}
	return nil
}

// lowerKeys normalizes keys; viper lower-cases config keys but env and
// programmatic maps may not.
func lowerKeys(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[strings.ToLower(k)] = v
	}
	return out
}

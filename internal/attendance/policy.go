package attendance

import (
	"time"

	"github.com/mitchellh/mapstructure"
)

// Policy is the configuration snapshot a reconciliation run works with. It is
// taken once at the start of a run and never re-read mid batch.
type Policy struct {
	MultiShift        bool           `mapstructure:"multi_shift"`
	MinimalAttendance bool           `mapstructure:"minimal_attendance"`
	Location          *time.Location `mapstructure:"-"`
}

// DecodePolicy builds a Policy from the attendance settings. Values may be
// strings ("true", "1") as stored in sys_config.
func DecodePolicy(settings map[string]interface{}, loc *time.Location) (Policy, error) {
	var p Policy
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return p, err
	}
	if err := dec.Decode(settings); err != nil {
		return p, err
	}
	p.Location = loc
	if p.Location == nil {
		p.Location = time.Local
	}
	return p, nil
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

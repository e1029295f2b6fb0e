package backup

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/BadgerOps/localconsole/internal/store"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var timeOfDayRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	validate.RegisterValidation("timeofday", func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		return v == "" || timeOfDayRegex.MatchString(v)
	})
	validate.RegisterValidation("tablename", func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		return v == store.AllTables || store.ValidTableName(v)
	})
}

// profileRules mirrors the editable fields of store.BackupProfile with the
// rules each must satisfy
type profileRules struct {
	Name            string   `json:"name" validate:"required"`
	Frequency       string   `json:"frequency" validate:"oneof=INTERVAL DAILY"`
	IntervalMinutes int      `json:"interval_minutes" validate:"required_if=Frequency INTERVAL,excluded_if=Frequency DAILY,gte=0"`
	TimeOfDay       string   `json:"time_of_day" validate:"required_if=Frequency DAILY,excluded_if=Frequency INTERVAL,timeofday"`
	BackupType      string   `json:"backup_type" validate:"oneof=FULL DIFFERENTIAL"`
	Tables          []string `json:"tables" validate:"required,min=1,dive,required,tablename"`
	RetentionCount  int      `json:"retention_count" validate:"gte=0"`
}

// NormalizeProfile trims user input and collapses a table list containing
// the all-tables sentinel to just the sentinel
func NormalizeProfile(p *store.BackupProfile) {
	p.Name = strings.TrimSpace(p.Name)
	p.Frequency = strings.ToUpper(strings.TrimSpace(p.Frequency))
	p.BackupType = strings.ToUpper(strings.TrimSpace(p.BackupType))
	p.TimeOfDay = strings.TrimSpace(p.TimeOfDay)

	seen := make(map[string]bool, len(p.Tables))
	tables := make([]string, 0, len(p.Tables))
	for _, t := range p.Tables {
		t = strings.TrimSpace(t)
		if t == store.AllTables {
			p.Tables = []string{store.AllTables}
			return
		}
		if t != "" {
			if seen[t] {
				continue
			}
			seen[t] = true
		}
		tables = append(tables, t)
	}
	p.Tables = tables
}

// ValidateProfile checks a profile against its invariants. Failures are
// *FormatError naming the offending field.
func ValidateProfile(p *store.BackupProfile) error {
	rules := profileRules{
		Name:            p.Name,
		Frequency:       p.Frequency,
		IntervalMinutes: p.IntervalMinutes,
		TimeOfDay:       p.TimeOfDay,
		BackupType:      p.BackupType,
		Tables:          p.Tables,
		RetentionCount:  p.RetentionCount,
	}

	err := validate.Struct(rules)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &FormatError{Field: "profile", Reason: "invalid", Err: err}
	}

	fe := verrs[0]
	return &FormatError{Field: fe.Field(), Reason: describe(fe, p.Frequency)}
}

func describe(fe validator.FieldError, frequency string) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required for %s profiles", frequency)
	case "excluded_if":
		return fmt.Sprintf("must be empty for %s profiles", frequency)
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "timeofday":
		return "must be a 24-hour HH:MM time"
	case "tablename":
		return fmt.Sprintf("invalid table name %q", fe.Value())
	}
	return "failed " + fe.Tag() + " check"
}

// ============================================================================
// Profile CRUD
// ============================================================================

// AddProfile validates and stores a new profile, assigning its ID
func (e *Engine) AddProfile(p *store.BackupProfile) error {
	NormalizeProfile(p)
	if err := ValidateProfile(p); err != nil {
		return err
	}
	p.LastRunAt = nil

	if err := e.store.CreateBackupProfile(p); err != nil {
		return err
	}
	e.logger.Info("backup profile created", "id", p.ID, "name", p.Name, "frequency", p.Frequency, "type", p.BackupType)
	e.profilesChanged()
	return nil
}

// UpdateProfile validates and replaces a profile's editable fields.
// LastRunAt is owned by the scheduler and is not changed here.
func (e *Engine) UpdateProfile(p *store.BackupProfile) error {
	NormalizeProfile(p)
	if err := ValidateProfile(p); err != nil {
		return err
	}

	if err := e.store.UpdateBackupProfile(p); err != nil {
		return err
	}
	e.logger.Info("backup profile updated", "id", p.ID, "name", p.Name)
	e.profilesChanged()
	return nil
}

// DeleteProfile removes a profile. Its history is kept.
func (e *Engine) DeleteProfile(id string) error {
	if err := e.store.DeleteBackupProfile(id); err != nil {
		return err
	}
	e.logger.Info("backup profile deleted", "id", id)
	e.profilesChanged()
	return nil
}

// GetProfile returns one profile
func (e *Engine) GetProfile(id string) (*store.BackupProfile, error) {
	return e.store.GetBackupProfile(id)
}

// ListProfiles returns every profile ordered by name
func (e *Engine) ListProfiles() ([]store.BackupProfile, error) {
	return e.store.ListBackupProfiles()
}

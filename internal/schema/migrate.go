package schema

import (
	"fmt"

	"github.com/rs/zerolog/log"

	apperrors "github.com/schemaflow/schemaflow/internal/errors"
	"github.com/schemaflow/schemaflow/internal/naming"
)

// EngineVersion is the revision of the normalization rules implemented here.
// Schemas written by an older engine must be migrated before use.
const EngineVersion = 9

// CheckEngineVersion refuses schemas whose engine version differs from the
// running engine.
func CheckEngineVersion(s *Schema) error {
	switch {
	case s.EngineVersion < EngineVersion:
		return apperrors.NewEngineVersionMismatch(s.Name, s.EngineVersion, EngineVersion)
	case s.EngineVersion > EngineVersion:
		return apperrors.NewEngineVersionUnsupported(s.Name, s.EngineVersion, EngineVersion)
	}
	return nil
}

type migrationStep struct {
	to    int
	desc  string
	apply func(s *Schema) error
}

var migrationSteps = []migrationStep{
	{to: 7, desc: "add bookkeeping tables", apply: func(s *Schema) error {
		addBookkeepingTables(s)
		return nil
	}},
	{to: 8, desc: "rename detectors to detections and add standard hints", apply: func(s *Schema) error {
		if len(s.Settings.LegacyDetectors) > 0 {
			if len(s.Settings.Detections) == 0 {
				s.Settings.Detections = s.Settings.LegacyDetectors
			}
			s.Settings.LegacyDetectors = nil
		}
		if s.Settings.DefaultHints == nil {
			s.Settings.DefaultHints = map[Hint][]string{}
		}
		for h, patterns := range StandardHints() {
			s.Settings.DefaultHints[h] = mergePatterns(s.Settings.DefaultHints[h], patterns)
		}
		return nil
	}},
	{to: 9, desc: "record normalizers and re-apply hints to linkage columns", apply: func(s *Schema) error {
		if s.Normalizers.Names == "" {
			s.Normalizers.Names = naming.SnakeCaseName
		}
		if s.Normalizers.JSON.Module == "" {
			s.Normalizers.JSON.Module = RelationalModule
		}
		if s.PreviousHashes == nil {
			s.PreviousHashes = []string{}
		}
		for _, t := range s.Tables.Values() {
			if _, err := ApplyDefaultHints(t, &s.Settings); err != nil {
				return err
			}
		}
		return nil
	}},
}

func mergePatterns(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[p] = true
	}
	out := append([]string(nil), existing...)
	for _, p := range add {
		if !seen[p] {
			out = append(out, p)
			seen[p] = true
		}
	}
	return out
}

// Migrate upgrades s in place to the running engine version, one step at a
// time. It reports whether any step ran. The content hash is left for the
// next BumpVersion, so a migration is recorded as a regular version change.
func Migrate(s *Schema) (bool, error) {
	if s.EngineVersion > EngineVersion {
		return false, apperrors.NewEngineVersionUnsupported(s.Name, s.EngineVersion, EngineVersion)
	}
	if s.EngineVersion == EngineVersion {
		return false, nil
	}

	from := s.EngineVersion
	for _, step := range migrationSteps {
		if s.EngineVersion >= step.to {
			continue
		}
		if err := step.apply(s); err != nil {
			return false, fmt.Errorf("schema: migration to engine version %d failed: %w", step.to, err)
		}
		log.Info().
			Str("schema", s.Name).
			Int("engine_version", step.to).
			Msgf("schema: migrated: %s", step.desc)
		s.EngineVersion = step.to
	}
	s.EngineVersion = EngineVersion

	log.Warn().
		Str("schema", s.Name).
		Int("from", from).
		Int("to", EngineVersion).
		Msg("schema: engine version migrated")
	return true, nil
}

package types

// ConfigExportAction is the closed vocabulary of desired-state changes. The
// zero value is ActionUnknown, so a Directive built without an action is
// rejected rather than silently enabling a servable.
type ConfigExportAction int

const (
	ActionUnknown ConfigExportAction = iota
	ActionEnable
	ActionDisable
	ActionDelete
)

var actionToString = map[ConfigExportAction]string{
	ActionEnable:  "ENABLE_MODEL",
	ActionDisable: "DISABLE_MODEL",
	ActionDelete:  "DELETE_MODEL",
	ActionUnknown: "UNKNOWN_MODEL",
}

var stringToAction = map[string]ConfigExportAction{
	"ENABLE_MODEL":  ActionEnable,
	"DISABLE_MODEL": ActionDisable,
	"DELETE_MODEL":  ActionDelete,
	"UNKNOWN_MODEL": ActionUnknown,
}

// String returns the canonical wire name. Out-of-range values render as UNKNOWN_MODEL.
func (a ConfigExportAction) String() string {
	if s, ok := actionToString[a]; ok {
		return s
	}
	return actionToString[ActionUnknown]
}

// ParseConfigExportAction maps a wire name to an action. It never fails:
// unrecognized input maps to ActionUnknown so a bad directive is rejected
// by the reconciler instead of aborting the decode of a whole batch.
func ParseConfigExportAction(s string) ConfigExportAction {
	if a, ok := stringToAction[s]; ok {
		return a
	}
	return ActionUnknown
}

// MarshalText implements encoding.TextMarshaler.
func (a ConfigExportAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty value
// decodes to ActionEnable: listing a servable without an action means it
// should be served.
func (a *ConfigExportAction) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*a = ActionEnable
		return nil
	}
	*a = ParseConfigExportAction(string(b))
	return nil
}

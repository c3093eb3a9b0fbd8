// Package enums provides type-safe enumeration types for the web interface.
//
// The enum types are defined as unexported integer types in this file, and the go:generate
// directive invokes the go-pkgz/enum generator to create the exported types with String, Parse,
// Scan/Value and MarshalText/UnmarshalText in *_enum.go files. Theme stored in the user table
// goes through Scan/Value as its name.
//
// To regenerate the enum types after modifications:
//
//	go generate ./app/web/enums
package enums

//go:generate go run github.com/go-pkgz/enum@latest -type theme -lower

// theme represents UI themes, in toggle order.
// This is an unexported type used only as input for the code generator.
// Use the exported Theme type and its constants in actual code.
type theme int

const (
	themeLight theme = iota
	themeDark
	themeAuto
)

// Valid checks if theme is one of known values, zero Theme is not
func (e Theme) Valid() bool {
	_, ok := themeMap[e.name]
	return ok
}

// Next cycles through themes: light -> dark -> auto -> light. Unknown theme switches to light.
func (e Theme) Next() Theme {
	if !e.Valid() {
		return ThemeLight
	}
	return ThemeValues[(e.value+1)%len(ThemeValues)]
}

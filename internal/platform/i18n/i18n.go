// Package i18n holds the message catalog for user-facing import messages.
// Messages are registered with golang.org/x/text/message and looked up by
// key, so callers never format localized text themselves.
package i18n

import (
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLocale is used when a requested locale cannot be matched.
const DefaultLocale = "en"

// Message keys.
const (
	KeyFetchFailed       = "import.fetch_failed"
	KeyFetchUnauthorized = "import.fetch_unauthorized"
	KeyMappingFailed     = "import.mapping_failed"
	KeyTruncated         = "import.truncated"
	KeyUnsupportedType   = "import.unsupported_type"
	KeyServerWarning     = "import.server_warning"
	KeyReauthRequired    = "auth.reauthentication_required"
	KeyStateMismatch     = "auth.state_mismatch"
	KeyAuthExchange      = "auth.exchange_failed"
	KeyConfiguration     = "auth.configuration"
	KeyImportComplete    = "import.complete"
	KeyImportPartial     = "import.partial"
	KeyImportCancelled   = "import.cancelled"
)

var supported = []language.Tag{language.English, language.Spanish}

var matcher = language.NewMatcher(supported)

var catalog = map[language.Tag]map[string]string{
	language.English: {
		KeyFetchFailed:       "Could not download %s records: %s",
		KeyFetchUnauthorized: "Your health record provider denied access to %s records.",
		KeyMappingFailed:     "A %s record could not be read: %s",
		KeyTruncated:         "Only the first %d %s records were imported.",
		KeyUnsupportedType:   "%s records are not available from this provider.",
		KeyServerWarning:     "The provider reported a problem with %s records: %s",
		KeyReauthRequired:    "Your session with the provider has ended. Please sign in again.",
		KeyStateMismatch:     "The sign-in response did not match this request. Please start again.",
		KeyAuthExchange:      "The provider did not accept the sign-in. Please choose your provider and try again.",
		KeyConfiguration:     "This provider is not configured correctly.",
		KeyImportComplete:    "Imported %d records.",
		KeyImportPartial:     "Imported %d records with %d problems.",
		KeyImportCancelled:   "The import was cancelled before it finished.",
	},
	language.Spanish: {
		KeyFetchFailed:       "No se pudieron descargar los registros de %s: %s",
		KeyFetchUnauthorized: "Su proveedor de historia clínica denegó el acceso a los registros de %s.",
		KeyMappingFailed:     "No se pudo leer un registro de %s: %s",
		KeyTruncated:         "Solo se importaron los primeros %d registros de %s.",
		KeyUnsupportedType:   "Los registros de %s no están disponibles en este proveedor.",
		KeyServerWarning:     "El proveedor informó un problema con los registros de %s: %s",
		KeyReauthRequired:    "Su sesión con el proveedor ha terminado. Inicie sesión de nuevo.",
		KeyStateMismatch:     "La respuesta de inicio de sesión no coincide con esta solicitud. Vuelva a empezar.",
		KeyAuthExchange:      "El proveedor no aceptó el inicio de sesión. Elija su proveedor e inténtelo de nuevo.",
		KeyConfiguration:     "Este proveedor no está configurado correctamente.",
		KeyImportComplete:    "Se importaron %d registros.",
		KeyImportPartial:     "Se importaron %d registros con %d problemas.",
		KeyImportCancelled:   "La importación se canceló antes de terminar.",
	},
}

var registerOnce sync.Once

// Register adds the catalog to the x/text default catalog. It is safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		for tag, messages := range catalog {
			for key, msg := range messages {
				_ = message.SetString(tag, key, msg)
			}
		}
	})
}

// Supported returns the locales the catalog carries.
func Supported() []language.Tag {
	out := make([]language.Tag, len(supported))
	copy(out, supported)
	return out
}

// Match resolves a BCP 47 locale string ("es-MX", "en") to the closest
// supported tag. Unparseable input falls back to English.
func Match(locale string) language.Tag {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return language.English
	}
	tags, _, err := language.ParseAcceptLanguage(locale)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return language.English
	}
	return supported[idx]
}

// Printer returns a message printer for the locale.
func Printer(locale string) *message.Printer {
	Register()
	return message.NewPrinter(Match(locale))
}

// Sprintf formats the message registered under key for the locale.
func Sprintf(locale, key string, args ...any) string {
	return Printer(locale).Sprintf(key, args...)
}

// HasKey reports whether key is defined for every supported locale.
func HasKey(key string) bool {
	for _, tag := range supported {
		if _, ok := catalog[tag][key]; !ok {
			return false
		}
	}
	return true
}

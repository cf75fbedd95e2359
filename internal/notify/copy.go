package notify

import "golang.org/x/text/language"

// copySet is the user-visible notification wording for one locale.
type copySet struct {
	NewRequest     string
	NewRequestBody string
	RequestUpdated string
	StatusPrefix   string
	YourRequest    string
	NewMessage     string
	RatingDue      string
	RatingDueBody  string
}

var copies = map[language.Tag]copySet{
	language.Spanish: {
		NewRequest:     "Nueva solicitud",
		NewRequestBody: "Tienes una nueva solicitud",
		RequestUpdated: "Solicitud actualizada",
		StatusPrefix:   "Estado: ",
		YourRequest:    "Actualización de solicitud",
		NewMessage:     "Nuevo mensaje",
		RatingDue:      "Califica tu servicio",
		RatingDueBody:  "Tienes un servicio completado sin calificar",
	},
	language.English: {
		NewRequest:     "New request",
		NewRequestBody: "You have a new request",
		RequestUpdated: "Request updated",
		StatusPrefix:   "Status: ",
		YourRequest:    "Request update",
		NewMessage:     "New message",
		RatingDue:      "Rate your service",
		RatingDueBody:  "You have an unrated completed service",
	},
}

// supported lists locales in preference order; Spanish is the product's
// home market and wins ties.
var supported = []language.Tag{language.Spanish, language.English}

var matcher = language.NewMatcher(supported)

// copyFor picks the wording for a requested locale, falling back through
// the matcher (es-CL resolves to Spanish, anything unknown to the default).
func copyFor(requested string) copySet {
	_, idx := language.MatchStrings(matcher, requested)
	return copies[supported[idx]]
}

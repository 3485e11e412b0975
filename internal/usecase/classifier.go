package usecase

import "voxrelay/internal/domain"

var recognizerMessages = map[domain.RecognizerErrorCode]string{
	domain.ErrorAudio:                   "Audio error",
	domain.ErrorClient:                  "Client error",
	domain.ErrorServer:                  "Server error",
	domain.ErrorNetwork:                 "There was a problem with your connection.",
	domain.ErrorNetworkTimeout:          "Connection timed out",
	domain.ErrorNoMatch:                 "No matches found",
	domain.ErrorRecognizerBusy:          "Recognizer Busy",
	domain.ErrorInsufficientPermissions: "Insufficient permissions",
	domain.ErrorSpeechTimeout:           "Try again",
}

// Classify maps a recognizer error code to its user-facing event. The second
// result is false for codes outside the known set; the event then carries no
// message and callers log it instead of notifying the user.
func Classify(code domain.RecognizerErrorCode) (domain.ErrorEvent, bool) {
	message, ok := recognizerMessages[code]
	return domain.ErrorEvent{Code: code, Message: message}, ok
}

package offline0

import "time"

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon"`
}

type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

type NotificationData struct {
	DateOfArrival int64 `json:"dateOfArrival"` // unix millis
	PrimaryKey    int   `json:"primaryKey"`
}

// BuildNotification renders a push payload into the notification shown to
// the user. An empty payload gets a generic body.
func BuildNotification(appName string, payload []byte, now time.Time) Notification {
	body := string(payload)
	if body == "" {
		body = "New message from " + appName
	}
	return Notification{
		Title:   appName,
		Body:    body,
		Icon:    "/icons/icon-192x192.png",
		Badge:   "/icons/badge-72x72.png",
		Vibrate: []int{100, 50, 100},
		Data: NotificationData{
			DateOfArrival: now.UnixMilli(),
			PrimaryKey:    1,
		},
		Actions: []NotificationAction{
			{Action: "explore", Title: "Open App", Icon: "/icons/checkmark.png"},
			{Action: "close", Title: "Close", Icon: "/icons/xmark.png"},
		},
	}
}

// NotificationClickTarget returns the page to open for a clicked action.
func NotificationClickTarget(action string) (string, bool) {
	if action == "explore" {
		return "/", true
	}
	return "", false
}

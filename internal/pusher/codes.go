package pusher

// Close and error codes sent to clients. The 4000-4099 range means "do not
// reconnect", 4100-4199 "reconnect with backoff", 4200-4299 "reconnect now".
const (
	CodeAppNotFound     = 4001
	CodeAppDisabled     = 4003
	CodeOverQuota       = 4004
	CodeUnauthorized    = 4009
	CodeServerClosing   = 4200
	CodeIdleTimeout     = 4201
	CodeClientEventFail = 4301
)

// Inbound and outbound event names.
const (
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventSignin                = "pusher:signin"
	EventSigninSuccess         = "pusher:signin_success"
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventSubscriptionError     = "pusher:subscription_error"
	EventCacheMiss             = "pusher:cache_miss"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"
)

// Subscription error types.
const (
	ErrorTypeAuth           = "AuthError"
	ErrorTypeLimitReached   = "LimitReached"
	ErrorTypeInvalidChannel = "InvalidChannel"
	ErrorTypeInvalidPayload = "InvalidPayload"
)

// ActivityTimeout is the hint, in seconds, sent with connection_established.
const ActivityTimeout = 30

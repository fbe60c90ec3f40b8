package mirror

var ToEvent = toEvent

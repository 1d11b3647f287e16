package logger

import "go.uber.org/zap"

func KeyID(v string) zap.Field { return zap.String("key_id", v) }

func Pool(v string) zap.Field { return zap.String("pool", v) }

func SID(v string) zap.Field { return zap.String("sid", v) }

func Medium(v string) zap.Field { return zap.String("medium", v) }

func Count(v int) zap.Field { return zap.Int("count", v) }

func Err(err error) zap.Field { return zap.Error(err) }

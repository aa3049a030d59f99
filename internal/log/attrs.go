package log

import "log/slog"

func JobID[T ~string](id T) slog.Attr {
	return slog.String("job_id", string(id))
}

func FlowID[T ~string](id T) slog.Attr {
	return slog.String("flow_id", string(id))
}

func StepID[T ~string](id T) slog.Attr {
	return slog.String("flow_step_id", string(id))
}

func StepType[T ~string](t T) slog.Attr {
	return slog.String("step_type", string(t))
}

func Handler[T ~string](slug T) slog.Attr {
	return slog.String("handler", string(slug))
}

func Tool[T ~string](name T) slog.Attr {
	return slog.String("tool", string(name))
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

package functions

// Inline runners used when no runtime command is configured. Each one loads
// the requested export, calls it with the positional arguments and writes the
// outcome as Message lines.

const nodeRunner = `
const { pathToFileURL } = require('url');
let raw = '';
process.stdin.setEncoding('utf8');
process.stdin.on('data', (c) => { raw += c; });
process.stdin.on('end', async () => {
  const req = JSON.parse(raw);
  const send = (m) => process.stdout.write(JSON.stringify(m) + '\n');
  try {
    const mod = await import(pathToFileURL(req.path).href);
    let fn = req.export === 'default' ? mod.default : mod[req.export];
    if (fn && typeof fn !== 'function' && typeof fn.default === 'function') fn = fn.default;
    const context = Object.assign({}, req.context, {
      stream: (channel, data) => send({ type: 'stream', channel, data }),
    });
    const args = req.args.slice();
    if (req.context_position !== null) args.splice(req.context_position, 0, context);
    let value = await fn(...args);
    if (Buffer.isBuffer(value)) value = { _base64: value.toString('base64') };
    send({ type: 'result', value: value === undefined ? null : value });
  } catch (e) {
    const isErr = e instanceof Error;
    send({ type: 'error', name: isErr ? e.name : '', message: isErr ? e.message : String(e), stack: isErr ? e.stack : '', thrown: !isErr });
  }
});
`

const pythonRunner = `
import base64, importlib.util, json, sys, traceback
req = json.load(sys.stdin)
def send(m):
    sys.__stdout__.write(json.dumps(m) + "\n")
    sys.__stdout__.flush()
try:
    spec = importlib.util.spec_from_file_location("fn", req["path"])
    mod = importlib.util.module_from_spec(spec)
    spec.loader.exec_module(mod)
    fn = getattr(mod, "handler" if req["export"] == "default" else req["export"])
    ctx = dict(req["context"])
    ctx["stream"] = lambda channel, data: send({"type": "stream", "channel": channel, "data": data})
    args = list(req["args"])
    if req.get("context_position") is not None:
        args.insert(req["context_position"], ctx)
    value = fn(*args)
    if isinstance(value, (bytes, bytearray)):
        value = {"_base64": base64.b64encode(value).decode()}
    send({"type": "result", "value": value})
except Exception as e:
    send({"type": "error", "name": type(e).__name__, "message": str(e), "stack": traceback.format_exc()})
`

var defaultRuntimes = map[Runtime]RuntimeConfig{
	RuntimeNode:   {Command: "node", Args: []string{"-e", nodeRunner}},
	RuntimePython: {Command: "python3", Args: []string{"-c", pythonRunner}},
	RuntimeDeno:   {Command: "deno", Args: []string{"eval", "--ext=js", nodeRunner}},
	RuntimeBun:    {Command: "bun", Args: []string{"-e", nodeRunner}},
}

// DefaultRuntimes returns a copy of the built-in runtime commands.
func DefaultRuntimes() map[Runtime]RuntimeConfig {
	out := make(map[Runtime]RuntimeConfig, len(defaultRuntimes))
	for k, v := range defaultRuntimes {
		out[k] = v
	}
	return out
}

// detectRuntime maps a file extension to its default runtime.
func detectRuntime(ext string) Runtime {
	switch ext {
	case ".js", ".mjs", ".cjs":
		return RuntimeNode
	case ".py":
		return RuntimePython
	case ".ts":
		return RuntimeDeno
	}
	return ""
}

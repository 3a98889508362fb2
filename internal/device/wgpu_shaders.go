//go:build !nogpu

package device

// partialArgmaxWGSL scans one contiguous chunk per invocation and writes its
// candidate. Only a strictly larger magnitude replaces the running best, so
// the lowest index in the chunk wins ties.
const partialArgmaxWGSL = `
struct ReduceParams {
    n: u32,
    chunk: u32,
    parts: u32,
    _pad: u32,
}

struct Partial {
    value: f32,
    index: u32,
}

@group(0) @binding(0) var<uniform> params: ReduceParams;
@group(0) @binding(1) var<storage, read> data: array<f32>;
@group(0) @binding(2) var<storage, read_write> partials: array<Partial>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let part = gid.x;
    if (part >= params.parts) {
        return;
    }
    let lo = part * params.chunk;
    let hi = min(lo + params.chunk, params.n);

    var best = data[lo];
    var best_abs = abs(best);
    var best_idx = lo;
    for (var i = lo + 1u; i < hi; i = i + 1u) {
        let v = data[i];
        let a = abs(v);
        if (a > best_abs) {
            best = v;
            best_abs = a;
            best_idx = i;
        }
    }
    partials[part] = Partial(best, best_idx);
}
`

// finalArgmaxWGSL folds the partials on a single invocation. Partials cover
// ascending index ranges, so a strict comparison keeps the lowest index.
const finalArgmaxWGSL = `
struct ReduceParams {
    n: u32,
    chunk: u32,
    parts: u32,
    _pad: u32,
}

struct Partial {
    value: f32,
    index: u32,
}

@group(0) @binding(0) var<uniform> params: ReduceParams;
@group(0) @binding(1) var<storage, read> partials: array<Partial>;
@group(0) @binding(2) var<storage, read_write> result: array<Partial>;

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if (gid.x != 0u) {
        return;
    }
    var best = partials[0];
    var best_abs = abs(best.value);
    for (var k = 1u; k < params.parts; k = k + 1u) {
        let p = partials[k];
        let a = abs(p.value);
        if (a > best_abs || (a == best_abs && p.index < best.index)) {
            best = p;
            best_abs = a;
        }
    }
    result[0] = best;
}
`

// subtractPSFWGSL updates one residual element per invocation over the
// window, dispatched as a 2-D grid of 16x16 workgroups.
const subtractPSFWGSL = `
struct SubtractParams {
    width: u32,
    start_x: u32,
    start_y: u32,
    cols: u32,
    rows: u32,
    dx: i32,
    dy: i32,
    scale: f32,
}

@group(0) @binding(0) var<uniform> params: SubtractParams;
@group(0) @binding(1) var<storage, read> psf: array<f32>;
@group(0) @binding(2) var<storage, read_write> residual: array<f32>;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if (gid.x >= params.cols || gid.y >= params.rows) {
        return;
    }
    let w = i32(params.width);
    let x = i32(params.start_x + gid.x);
    let y = i32(params.start_y + gid.y);
    let src = (y - params.dy) * w + (x - params.dx);
    let dst = y * w + x;
    residual[dst] = residual[dst] - params.scale * psf[src];
}
`

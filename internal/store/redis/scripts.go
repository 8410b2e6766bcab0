package redis

// Lua scripts for atomic multi-key mutations. Scripts receive every key
// explicitly through KEYS and never derive key names themselves, which
// keeps them cluster-safe and keeps key naming in the adapter. Results are
// integer codes the adapter maps onto sentinel errors.

// Result codes shared by the mutation scripts.
const (
	scriptOK              = 1
	scriptConflict        = 0
	scriptSubjectMismatch = -1
	scriptInvalidPayload  = -2
)

// saveTokenScript conditionally creates a token record and indexes it.
// KEYS[1] token key, KEYS[2] user index.
// ARGV[1] JSON payload, ARGV[2] subject, ARGV[3] ttl seconds.
const saveTokenScript = `
local ok, record = pcall(cjson.decode, ARGV[1])
if not ok or type(record) ~= "table" then
  return -2
end
if record.subject ~= ARGV[2] then
  return -1
end
local set = redis.call("SET", KEYS[1], ARGV[1], "EX", tonumber(ARGV[3]), "NX")
if not set then
  return 0
end
redis.call("SADD", KEYS[2], KEYS[1])
return 1
`

// saveBatchScript conditionally creates several records for one subject,
// counting only the entries that won the NX race. Duplicates inside the
// batch lose the race silently.
// KEYS[1] user index, KEYS[2..] token keys.
// ARGV[1] ttl seconds, ARGV[2..] JSON payloads (one per token key).
const saveBatchScript = `
local ttl = tonumber(ARGV[1])
local saved = 0
for i = 2, #KEYS do
  local payload = ARGV[i]
  if payload then
    if redis.call("SET", KEYS[i], payload, "EX", ttl, "NX") then
      redis.call("SADD", KEYS[1], KEYS[i])
      saved = saved + 1
    end
  end
end
return saved
`

// markUsedScript flips used exactly once, shortens the TTL to the grace
// window and drops the token from the user index. IssuedAt is preserved.
// KEYS[1] token key, KEYS[2] user index.
// ARGV[1] subject, ARGV[2] used ttl seconds.
const markUsedScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local ok, record = pcall(cjson.decode, raw)
if not ok or type(record) ~= "table" then
  return 0
end
if record.used == true then
  return 0
end
if record.subject ~= ARGV[1] then
  return 0
end
record.used = true
redis.call("SET", KEYS[1], cjson.encode(record), "EX", tonumber(ARGV[2]))
redis.call("SREM", KEYS[2], KEYS[1])
return 1
`

// deleteTokenScript removes a record and its index entry when the subject
// matches.
// KEYS[1] token key, KEYS[2] user index.
// ARGV[1] subject.
const deleteTokenScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local ok, record = pcall(cjson.decode, raw)
if not ok or type(record) ~= "table" then
  return 0
end
if record.subject ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], KEYS[1])
return 1
`

// revokeAllScript deletes every record referenced by the user index, then
// the index itself. Returns the index cardinality; orphaned entries count
// as removed index state even though their record was already gone.
// KEYS[1] user index.
const revokeAllScript = `
local members = redis.call("SMEMBERS", KEYS[1])
for _, key in ipairs(members) do
  redis.call("DEL", key)
end
redis.call("DEL", KEYS[1])
return #members
`

// revokeByDeviceScript deletes the subject's records for one device and
// prunes orphans found along the way. Returns the matched record count.
// KEYS[1] user index.
// ARGV[1] device id.
const revokeByDeviceScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local removed = 0
for _, key in ipairs(members) do
  local raw = redis.call("GET", key)
  if not raw then
    redis.call("SREM", KEYS[1], key)
  else
    local ok, record = pcall(cjson.decode, raw)
    if ok and type(record) == "table" and record.deviceId == ARGV[1] then
      redis.call("DEL", key)
      redis.call("SREM", KEYS[1], key)
      removed = removed + 1
    end
  end
end
return removed
`

// cleanupExpiredScript removes index entries whose record has expired.
// A record present without a TTL violates the data model and is deleted
// together with its index entry.
// KEYS[1] user index.
const cleanupExpiredScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local removed = 0
for _, key in ipairs(members) do
  local ttl = redis.call("TTL", key)
  if ttl == -2 then
    redis.call("SREM", KEYS[1], key)
    removed = removed + 1
  elseif ttl == -1 then
    redis.call("DEL", key)
    redis.call("SREM", KEYS[1], key)
    removed = removed + 1
  end
end
return removed
`

// statsScript aggregates active/total/device counters for one subject.
// Serves from the stats hash while fresh. Reads records in MGET batches,
// prunes up to 50 orphans, and caps scanning work at 500 records: past the
// cap, active is a scaled estimate and the cache is not written so the
// next call retries instead of freezing a bad extrapolation.
// KEYS[1] user index, KEYS[2] stats hash ("" disables caching).
// ARGV[1] max batch size, ARGV[2] stats ttl seconds, ARGV[3] now epoch seconds.
// Returns {active, total, devices, estimated}.
const statsScript = `
local maxBatch = tonumber(ARGV[1])
local statsTtl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local statsKey = KEYS[2]

if statsKey ~= "" then
  local cached = redis.call("HMGET", statsKey, "active", "total", "devices", "lastUpdated")
  if cached[4] and (now - tonumber(cached[4])) < statsTtl then
    return {tonumber(cached[1]), tonumber(cached[2]), tonumber(cached[3]), 0}
  end
end

local members = redis.call("SMEMBERS", KEYS[1])
local total = #members
local active = 0
local scanned = 0
local devices = {}
local deviceCount = 0
local orphans = {}
local scanCap = 500

local i = 1
while i <= total and scanned < scanCap do
  local stop = i + maxBatch - 1
  if stop > total then stop = total end
  if stop - i + 1 > scanCap - scanned then stop = i + (scanCap - scanned) - 1 end
  local batch = {}
  for j = i, stop do batch[#batch + 1] = members[j] end
  local values = redis.call("MGET", unpack(batch))
  for j, raw in ipairs(values) do
    scanned = scanned + 1
    if raw == false then
      if #orphans < 50 then orphans[#orphans + 1] = batch[j] end
    else
      local ok, record = pcall(cjson.decode, raw)
      if ok and type(record) == "table" then
        active = active + 1
        local d = record.deviceId
        if d and not devices[d] then
          devices[d] = true
          deviceCount = deviceCount + 1
        end
      end
    end
  end
  i = stop + 1
end

for _, key in ipairs(orphans) do
  redis.call("SREM", KEYS[1], key)
end

local estimated = 0
if scanned < total and scanned > 0 then
  estimated = 1
  active = math.floor(active * total / scanned)
end

if statsKey ~= "" and estimated == 0 then
  redis.call("HSET", statsKey,
    "active", active,
    "total", total,
    "devices", deviceCount,
    "lastUpdated", now)
  redis.call("EXPIRE", statsKey, statsTtl)
end

return {active, total, deviceCount, estimated}
`
